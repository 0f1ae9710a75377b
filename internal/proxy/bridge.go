// Package proxy relays raw bytes between a WebSocket and a TCP connection to
// the prover's target server. It never looks inside the stream.
package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/notary/internal/iochannel"
	"github.com/matst80/notary/internal/obs"
)

const readBufSize = 32 * 1024

// Stats reports what one link relayed.
type Stats struct {
	Up       int64 // websocket -> tcp
	Down     int64 // tcp -> websocket
	Duration time.Duration
}

// Bridge relays until either side ends. Closing either side closes the other.
// It returns once both directions have stopped.
func Bridge(ctx context.Context, ws iochannel.Conn, tcp net.Conn) Stats {
	start := time.Now()
	obs.ProxyLinksActive.Inc()
	defer obs.ProxyLinksActive.Dec()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		stats Stats
	)
	closeBoth := func() {
		_ = tcp.Close()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}

	stop := context.AfterFunc(ctx, func() { once.Do(closeBoth) })
	defer stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				break
			}
			if len(msg) == 0 {
				continue
			}
			if _, err := tcp.Write(msg); err != nil {
				break
			}
			stats.Up += int64(len(msg))
			obs.ProxyBytesTotal.WithLabelValues("up").Add(float64(len(msg)))
		}
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, readBufSize)
		for {
			n, err := tcp.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					break
				}
				stats.Down += int64(n)
				obs.ProxyBytesTotal.WithLabelValues("down").Add(float64(n))
			}
			if err != nil {
				if err != io.EOF {
					obs.Debug("proxy.tcp.read", obs.Fields{"err": err})
				}
				break
			}
		}
		once.Do(closeBoth)
	}()
	wg.Wait()

	stats.Duration = time.Since(start)
	obs.ProxyLinkDurationSeconds.Observe(stats.Duration.Seconds())
	return stats
}
