package juggler_test

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	juggler "github.com/hat-open/hat-juggler"
)

// This example shows how to set up a juggler server and serve
// connections.
func Example() {
	// route requests by name
	var mux juggler.ServeMux
	mux.HandleFunc("time", func(_ context.Context, _ *juggler.Conn, _ string, _ json.RawMessage) (interface{}, error) {
		return time.Now().UTC(), nil
	})

	// create a juggler server, each connection gets its own state
	server := &juggler.Server{
		Handler:        mux.Handler(),
		PingDelay:      10 * time.Second,
		PingTimeout:    20 * time.Second,
		AutoflushDelay: 200 * time.Millisecond,
		ConnState: func(c *juggler.Conn, cs juggler.ConnState) {
			// publish a counter to every new client
			if cs == juggler.Connected {
				c.SetState("", map[string]int{"counter": 0})
			}
		},
	}

	// create the websocket upgrader and HTTP handler
	upg := &websocket.Upgrader{Subprotocols: juggler.Subprotocols}
	http.Handle("/ws", juggler.Upgrade(upg, server))

	// start the HTTP server
	if err := http.ListenAndServe(":9000", nil); err != nil {
		log.Fatalf("ListenAndServe: %v", err)
	}
}
