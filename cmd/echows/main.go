// Command echows is a small websocket server for trying wsshare against.
//
//	/echo     echoes every frame; the text "close" closes with code 4000
//	/time     broadcasts the time as JSON every tick, plus anything published
//	/clock    broadcasts the time as a protobuf Timestamp, binary unless
//	          ?format=json
//	/publish  ?msg=... sends msg to every /time subscriber
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	conc "github.com/panyam/gocurrent"
	"github.com/panyam/sockshare/wsock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const closeRequested = 4000

type echoConn struct {
	wsock.BaseConn[wsock.Message, wsock.Message]
}

func (c *echoConn) HandleMessage(msg wsock.Message) error {
	if msg.Type == wsock.TextMessage && msg.Text() == "close" {
		c.Close(closeRequested, "asked to close")
		return nil
	}
	c.Send(msg)
	return nil
}

// Tick is what /time subscribers receive.
type Tick struct {
	Time    string `json:"time"`
	Message string `json:"message,omitempty"`
}

// broadcastConn is a connection whose writer is registered with a FanOut for
// as long as it is open.
type broadcastConn[I any, O any] struct {
	wsock.BaseConn[I, O]
	fanout    *conc.FanOut[wsock.Outgoing[O]]
	onMessage func(I)
}

func (c *broadcastConn[I, O]) OnStart(conn *websocket.Conn) error {
	if err := c.BaseConn.OnStart(conn); err != nil {
		return err
	}
	c.fanout.Add(c.Writer.InputChan(), nil, false)
	return nil
}

func (c *broadcastConn[I, O]) HandleMessage(msg I) error {
	if c.onMessage != nil {
		c.onMessage(msg)
	}
	return nil
}

// tolerate junk from subscribers
func (c *broadcastConn[I, O]) OnError(err error) error {
	return nil
}

func (c *broadcastConn[I, O]) OnClose() {
	// synchronous so a broadcast cannot reach a stopped writer
	<-c.fanout.Remove(c.Writer.InputChan(), true)
	c.BaseConn.OnClose()
}

type TimeHandler struct {
	Ticks  *conc.FanOut[wsock.Outgoing[Tick]]
	Clocks *conc.FanOut[wsock.Outgoing[*timestamppb.Timestamp]]
}

func NewTimeHandler() *TimeHandler {
	return &TimeHandler{
		Ticks:  conc.NewFanOut[wsock.Outgoing[Tick]](nil),
		Clocks: conc.NewFanOut[wsock.Outgoing[*timestamppb.Timestamp]](nil),
	}
}

func (t *TimeHandler) Publish(msg string) {
	tick := Tick{Time: time.Now().Format(time.RFC3339), Message: msg}
	t.Ticks.Send(wsock.Outgoing[Tick]{Data: &tick})
}

func (t *TimeHandler) run(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for now := range ticker.C {
		tick := Tick{Time: now.Format(time.RFC3339)}
		t.Ticks.Send(wsock.Outgoing[Tick]{Data: &tick})
		ts := timestamppb.New(now)
		t.Clocks.Send(wsock.Outgoing[*timestamppb.Timestamp]{Data: &ts})
	}
}

// ValidateTime accepts /time subscribers. Anything they send is published.
func (t *TimeHandler) ValidateTime(w http.ResponseWriter, r *http.Request) (wsock.ServerConn[any], bool) {
	return &broadcastConn[any, Tick]{
		BaseConn: wsock.BaseConn[any, Tick]{Codec: wsock.TypedJSONCodec[any, Tick]{}, NameStr: "time"},
		fanout:   t.Ticks,
		onMessage: func(msg any) {
			t.Publish(fmt.Sprint(msg))
		},
	}, true
}

func (t *TimeHandler) ValidateClock(w http.ResponseWriter, r *http.Request) (wsock.ServerConn[*timestamppb.Timestamp], bool) {
	codec := &wsock.ProtoCodec[*timestamppb.Timestamp, *timestamppb.Timestamp]{
		Binary: r.URL.Query().Get("format") != "json",
	}
	return &broadcastConn[*timestamppb.Timestamp, *timestamppb.Timestamp]{
		BaseConn: wsock.BaseConn[*timestamppb.Timestamp, *timestamppb.Timestamp]{Codec: codec, NameStr: "clock"},
		fanout:   t.Clocks,
	}, true
}

func validateEcho(w http.ResponseWriter, r *http.Request) (wsock.ServerConn[wsock.Message], bool) {
	return &echoConn{
		BaseConn: wsock.BaseConn[wsock.Message, wsock.Message]{Codec: wsock.RawCodec{}, NameStr: "echo"},
	}, true
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	addr := pflag.String("addr", ":8080", "listen address")
	period := pflag.Duration("tick", time.Second, "time broadcast period")
	debug := pflag.Bool("debug", false, "log every connection")
	pflag.Parse()
	if !*debug {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	config := wsock.DefaultServeConfig()
	config.Upgrader.Subprotocols = []string{"chat", "json"}

	timeHandler := NewTimeHandler()
	go timeHandler.run(*period)

	r := mux.NewRouter()
	r.HandleFunc("/echo", wsock.Serve[wsock.Message](wsock.AcceptFunc[wsock.Message](validateEcho), config))
	r.HandleFunc("/time", wsock.Serve[any](wsock.AcceptFunc[any](timeHandler.ValidateTime), config))
	r.HandleFunc("/clock", wsock.Serve[*timestamppb.Timestamp](wsock.AcceptFunc[*timestamppb.Timestamp](timeHandler.ValidateClock), config))
	r.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
		timeHandler.Publish(r.URL.Query().Get("msg"))
		fmt.Fprintf(w, "Published Message Successfully")
	})

	srv := http.Server{Addr: *addr, Handler: r}
	log.Info().Str("addr", *addr).Msg("echows listening")
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
