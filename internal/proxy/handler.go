package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/notary/internal/httpx"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/ratelimit"
)

// DialFunc opens the TCP side of a link.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler serves WS /proxy?token=host[:port].
type Handler struct {
	Upgrader    websocket.Upgrader
	Dial        DialFunc
	DialTimeout time.Duration
	Limiter     *ratelimit.RateLimiter
	Log         obs.Logger
	// TrustForwarded keys the limiter on X-Forwarded-For when set.
	TrustForwarded bool
}

func NewHandler(dialTimeout time.Duration, limiter *ratelimit.RateLimiter) *Handler {
	d := &net.Dialer{Timeout: dialTimeout}
	return &Handler{
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufSize,
			WriteBufferSize: readBufSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Dial:        d.DialContext,
		DialTimeout: dialTimeout,
		Limiter:     limiter,
		Log:         obs.Default(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := TargetFromQuery(r.URL.Query())
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("proxy_target").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	client := httpx.ClientIP(r, h.TrustForwarded)
	if !h.Limiter.AllowConnection(client) {
		obs.ErrorsTotal.WithLabelValues("proxy_rate_limited").Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Error("proxy.upgrade", obs.Fields{"err": err, "remote": client})
		return
	}

	ctx := r.Context()
	dctx := ctx
	if h.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, h.DialTimeout)
		defer cancel()
	}
	tcp, err := h.Dial(dctx, "tcp", target)
	if err != nil {
		h.Log.Error("proxy.dial", obs.Fields{"err": err, "target": target})
		obs.ErrorsTotal.WithLabelValues("proxy_dial").Inc()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "proxy target unreachable"), time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	h.Log.Info("proxy.link.open", obs.Fields{"target": target, "remote": client})
	st := Bridge(ctx, ws, tcp)
	h.Log.Info("proxy.link.closed", obs.Fields{"target": target, "up": st.Up, "down": st.Down, "duration_ms": st.Duration.Milliseconds()})
}
