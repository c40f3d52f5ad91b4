// Package chronos talks to the external timer service that keeps long-lived
// calls billable. Timers are key-addressed HTTP resources: POST creates one
// and returns its id in a Location header, PUT refreshes it, DELETE cancels
// it. The opaque body handed over at creation is redelivered verbatim to the
// callback URI every time the timer pops.
package chronos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client drives the timer service.
type Client struct {
	baseURL      string
	callbackHost string
	httpClient   *http.Client
	logger       *zap.Logger
}

// Config configures a timer-service client.
type Config struct {
	// Host is the timer service's address, e.g. "chronos.site1:7253".
	Host string

	// CallbackHost is the address the timer service calls back on when a
	// timer pops; it must reach this node's billing HTTP listener.
	CallbackHost string

	// RequestTimeout bounds each HTTP call.
	RequestTimeout time.Duration
}

// NewClient creates a timer-service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL:      "http://" + cfg.Host,
		callbackHost: cfg.CallbackHost,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// timerBody is the wire form of a timer definition.
type timerBody struct {
	Timing struct {
		Interval  uint32 `json:"interval"`
		RepeatFor uint32 `json:"repeat-for"`
	} `json:"timing"`
	Callback struct {
		HTTP struct {
			URI    string `json:"uri"`
			Opaque string `json:"opaque"`
		} `json:"http"`
	} `json:"callback"`
	Statistics *struct {
		TagInfo []tagInfo `json:"tag-info"`
	} `json:"statistics,omitempty"`
}

type tagInfo struct {
	Type  string `json:"type"`
	Count uint32 `json:"count"`
}

// Post creates a timer firing every interval seconds for repeatFor seconds,
// delivering opaque to callbackPath on this node. It returns the new timer's
// id.
func (c *Client) Post(ctx context.Context, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error) {
	timerID, err := c.send(ctx, http.MethodPost, c.baseURL+"/timers", interval, repeatFor, callbackPath, opaque, tags)
	if err != nil {
		return "", err
	}
	if timerID == "" {
		return "", fmt.Errorf("timer service returned no timer id")
	}

	c.logger.Debug("Created interim timer",
		zap.String("timer_id", timerID),
		zap.Uint32("interval", interval),
		zap.Uint32("repeat_for", repeatFor),
	)
	return timerID, nil
}

// Put refreshes an existing timer. If the timer service no longer knows the
// timer it may mint a replacement; the returned id is the one now live,
// which the caller must persist if it changed.
func (c *Client) Put(ctx context.Context, timerID string, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error) {
	newID, err := c.send(ctx, http.MethodPut, c.baseURL+"/timers/"+timerID, interval, repeatFor, callbackPath, opaque, tags)
	if err != nil {
		return "", err
	}
	if newID == "" {
		newID = timerID
	}

	c.logger.Debug("Refreshed interim timer",
		zap.String("timer_id", timerID),
		zap.String("new_timer_id", newID),
	)
	return newID, nil
}

// Delete cancels a timer.
func (c *Client) Delete(ctx context.Context, timerID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/timers/"+timerID, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("timer delete: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("timer delete: status %d", resp.StatusCode)
	}

	c.logger.Debug("Cancelled interim timer", zap.String("timer_id", timerID))
	return nil
}

func (c *Client) send(ctx context.Context, method, url string, interval, repeatFor uint32, callbackPath, opaque string, tags map[string]uint32) (string, error) {
	var body timerBody
	body.Timing.Interval = interval
	body.Timing.RepeatFor = repeatFor
	body.Callback.HTTP.URI = "http://" + c.callbackHost + callbackPath
	body.Callback.HTTP.Opaque = opaque

	if len(tags) > 0 {
		body.Statistics = &struct {
			TagInfo []tagInfo `json:"tag-info"`
		}{}
		for tag, count := range tags {
			body.Statistics.TagInfo = append(body.Statistics.TagInfo, tagInfo{Type: tag, Count: count})
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("timer %s: %w", method, err)
	}
	defer drain(resp)

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("timer %s: status %d", method, resp.StatusCode)
	}

	return timerIDFromLocation(resp.Header.Get("Location")), nil
}

// timerIDFromLocation pulls the timer id out of a Location-style header of
// the form "/timers/<id>". An absent header yields "".
func timerIDFromLocation(location string) string {
	if location == "" {
		return ""
	}
	if idx := strings.LastIndex(location, "/"); idx >= 0 {
		return location[idx+1:]
	}
	return location
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
