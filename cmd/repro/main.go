package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Metaswitch/ralf/pkg/rf"
	"github.com/fiorix/go-diameter/v4/diam"
	"github.com/fiorix/go-diameter/v4/diam/avp"
	"github.com/fiorix/go-diameter/v4/diam/datatype"
	"github.com/fiorix/go-diameter/v4/diam/sm"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewDevelopment()

	settings := &sm.Settings{
		OriginHost:       datatype.DiameterIdentity("cdf.example.com"),
		OriginRealm:      datatype.DiameterIdentity("example.com"),
		VendorID:         0,
		ProductName:      datatype.UTF8String("test-cdf"),
		OriginStateID:    datatype.Unsigned32(1),
		FirmwareRevision: 1,
	}
	mux := sm.New(settings)
	go func(){ for e := range mux.ErrorReports() { fmt.Println("SERVER ERR", e.Error) } }()
	mux.HandleFunc("ACR", func(conn diam.Conn, m *diam.Message) {
		fmt.Println("SERVER GOT ACR", m)
		a := m.Answer(2001)
		if sid, err := m.FindAVP(avp.SessionID, 0); err == nil {
			a.AddAVP(sid)
		}
		a.NewAVP(avp.OriginHost, avp.Mbit, 0, datatype.DiameterIdentity("cdf.example.com"))
		a.NewAVP(avp.OriginRealm, avp.Mbit, 0, datatype.DiameterIdentity("example.com"))
		if _, err := a.WriteTo(conn); err != nil {
			fmt.Println("write answer err", err)
		}
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil { panic(err) }
	srv := &diam.Server{Handler: mux, Dict: rf.Dictionary()}
	go srv.Serve(l)
	addr := l.Addr().String()
	fmt.Println("listening", addr)

	client, err := rf.NewClient(rf.ClientConfig{
		OriginHost: "ralf.example.com",
		OriginRealm: "example.com",
		RequestTimeout: 2 * time.Second,
		BlacklistDuration: time.Minute,
	}, logger)
	if err != nil { panic(err) }

	acr := rf.BuildACR(rf.ACRConfig{}, addr, "s;1;1", 1, map[string]interface{}{"Accounting-Record-Type": float64(2)}, logger)
	ans, err := client.Call(context.Background(), addr, acr)
	fmt.Println("ANSWER", ans, err)
}
