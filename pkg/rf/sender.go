package rf

import (
	"context"
	"errors"

	"github.com/fiorix/go-diameter/v4/diam"
	"go.uber.org/zap"

	"github.com/Metaswitch/ralf/pkg/message"
)

// Caller issues one Diameter transaction against a named peer.
type Caller interface {
	Call(ctx context.Context, peer string, req *diam.Message) (Answer, error)
}

// ResponseHandler receives the single terminal outcome of a message's ACR.
type ResponseHandler interface {
	OnCCFResponse(accepted bool, interimInterval uint32, sessionID string, resultCode uint32, msg *message.Message)
}

// Sender issues one ACR per message, failing over through the message's CCF
// list on UNABLE_TO_DELIVER and timeouts. Whatever happens, the handler's
// OnCCFResponse is invoked exactly once per message.
type Sender struct {
	caller Caller
	cfg    ACRConfig

	// fallbackPeer is tried when the message carries no CCF list at all.
	fallbackPeer string

	logger *zap.Logger

	// observer is notified of failover hops for accounting; may be nil.
	observer FailoverObserver
}

// FailoverObserver sees each failover hop as it happens.
type FailoverObserver interface {
	CDFFailover(callID, nextPeer string)
}

// NewSender creates a sender sharing the given Diameter client.
func NewSender(caller Caller, cfg ACRConfig, fallbackPeer string, observer FailoverObserver, logger *zap.Logger) *Sender {
	return &Sender{
		caller:       caller,
		cfg:          cfg,
		fallbackPeer: fallbackPeer,
		logger:       logger,
		observer:     observer,
	}
}

// Send walks the CCF list until a peer produces a terminal answer. It blocks
// for up to one transaction timeout per CCF and must be run on a goroutine
// the caller is prepared to tie up for that long.
func (s *Sender) Send(ctx context.Context, msg *message.Message, handler ResponseHandler) {
	ccfs := msg.CCFs
	if len(ccfs) == 0 && s.fallbackPeer != "" {
		ccfs = []string{s.fallbackPeer}
	}

	for i, ccf := range ccfs {
		s.logger.Debug("Sending ACR",
			zap.String("call_id", msg.CallID),
			zap.String("peer", ccf),
			zap.Int("attempt", i),
			zap.Uint32("record_number", msg.AccountingRecordNumber),
		)

		acr := BuildACR(s.cfg, ccf, msg.SessionID, msg.AccountingRecordNumber, msg.Event, s.logger)
		ans, err := s.caller.Call(ctx, ccf, acr)

		if err == nil && ans.ResultCode != ResultUnableToDeliver {
			// Terminal: the answer reached us and is not a routing
			// failure, so it stands whatever the result code.
			handler.OnCCFResponse(ans.Accepted(), ans.InterimInterval, ans.SessionID, ans.ResultCode, msg)
			return
		}

		if err != nil && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrPeerUnavailable) {
			// Cancelled or some other non-delivery error; treat like
			// exhaustion rather than hammering the remaining CCFs.
			s.logger.Warn("ACR send aborted",
				zap.String("call_id", msg.CallID),
				zap.Error(err),
			)
			break
		}

		s.logger.Warn("Failed to deliver ACR",
			zap.String("call_id", msg.CallID),
			zap.String("peer", ccf),
			zap.Error(err),
		)

		if i+1 < len(ccfs) {
			s.logger.Info("Failing over to backup CCF",
				zap.String("call_id", msg.CallID),
				zap.String("peer", ccfs[i+1]),
			)
			if s.observer != nil {
				s.observer.CDFFailover(msg.CallID, ccfs[i+1])
			}
		}
	}

	s.logger.Error("Failed to deliver ACR to any CCF",
		zap.String("call_id", msg.CallID),
		zap.Strings("ccfs", ccfs),
	)
	handler.OnCCFResponse(false, 0, "", ResultUnableToDeliver, msg)
}
