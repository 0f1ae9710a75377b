package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/notary/internal/apperr"
	"github.com/matst80/notary/internal/httpx"
	"github.com/matst80/notary/internal/obs"
	"github.com/matst80/notary/internal/proto"
	"github.com/matst80/notary/internal/ratelimit"
	"github.com/matst80/notary/internal/web"
)

// CloseSessionNotFound is the websocket close code sent to a prover that
// names an unknown session.
const CloseSessionNotFound = 4004

const maxControlMessage = 1 << 20

type HandlerOptions struct {
	// Proxy serves /proxy. Nil leaves the route unmounted.
	Proxy   http.Handler
	Limiter *ratelimit.RateLimiter
	// TrustForwarded takes the client address from X-Forwarded-For.
	TrustForwarded bool
}

type handlers struct {
	reg  *Registry
	opts HandlerOptions
	up   websocket.Upgrader
}

// Routes returns the notary server's HTTP surface.
func Routes(reg *Registry, opts HandlerOptions) http.Handler {
	h := &handlers{
		reg:  reg,
		opts: opts,
		up: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Get("/health", h.health)
	r.Get("/healthz", h.health)
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/state", h.state)
	r.Get("/dashboard", h.dashboard)
	r.Get("/session", h.session)
	r.Get("/verifier", h.verifier)
	if opts.Proxy != nil {
		r.Handle("/proxy", opts.Proxy)
	}
	return r
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) readyz(w http.ResponseWriter, _ *http.Request) {
	if !h.reg.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handlers) state(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.reg.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Stats
		List []Session `json:"list"`
	}{h.reg.Stats(), sessions})
}

func (h *handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	data := h.reg.Stats().ToTemplateMap()
	if sessions, err := h.reg.List(r.Context()); err == nil {
		data["List"] = sessions
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := web.Render(w, "dashboard", data); err != nil {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte("dashboard template missing"))
	}
}

// allow applies the registration budget to /session and the connection
// budget to everything else.
func (h *handlers) allow(w http.ResponseWriter, r *http.Request, registration bool) bool {
	client := httpx.ClientIP(r, h.opts.TrustForwarded)
	ok := h.opts.Limiter.AllowConnection
	if registration {
		ok = h.opts.Limiter.AllowRequest
	}
	if !ok(client) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		http.Error(w, apperr.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return false
	}
	return true
}

func writeMessage(ws *websocket.Conn, m proto.Message) error {
	b, err := proto.Encode(m)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}

// session serves the client's control socket: register, then reveal_config.
func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, true) {
		return
	}
	ws, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.reg.log.Error("session.upgrade", obs.Fields{"err": err.Error()})
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxControlMessage)

	_ = ws.SetReadDeadline(time.Now().Add(DefaultProverWait))
	msg, err := readMessage(ws)
	if err != nil {
		_ = writeMessage(ws, proto.Error{Message: err.Error()})
		return
	}
	reg, ok := msg.(proto.Register)
	if !ok {
		_ = writeMessage(ws, proto.Error{Message: "expected register, got " + string(msg.Kind())})
		return
	}
	id, err := h.reg.Register(r.Context(), Metadata{MaxSentData: reg.MaxSentData, MaxRecvData: reg.MaxRecvData, SessionData: reg.SessionData})
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		_ = writeMessage(ws, proto.Error{Message: err.Error()})
		return
	}
	if err := writeMessage(ws, proto.SessionRegistered{SessionID: id}); err != nil {
		h.reg.Fail(id, err)
		return
	}
	l, err := h.reg.get(id)
	if err != nil {
		_ = writeMessage(ws, proto.Error{Message: err.Error()})
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	// A session that ends without a reveal (verify failure, reveal wait,
	// shutdown) unblocks the read below.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.done:
			_ = ws.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		msg, err := readMessage(ws)
		if err != nil {
			if errors.Is(err, apperr.ErrInvalidMessage) {
				_ = writeMessage(ws, proto.Error{Message: err.Error()})
				continue
			}
			select {
			case <-l.done:
				if l.err != nil {
					_ = writeMessage(ws, proto.Error{Message: l.err.Error()})
				}
				closeWith(ws, websocket.CloseNormalClosure, "")
			default:
				h.reg.Fail(id, err)
			}
			return
		}
		rc, ok := msg.(proto.RevealConfig)
		if !ok {
			_ = writeMessage(ws, proto.Error{Message: "expected reveal_config, got " + string(msg.Kind())})
			continue
		}
		results, err := h.reg.CompleteReveal(r.Context(), id, rc.Config())
		if err != nil {
			_ = writeMessage(ws, proto.Error{Message: err.Error()})
		} else {
			_ = writeMessage(ws, proto.SessionCompleted{Results: results})
		}
		closeWith(ws, websocket.CloseNormalClosure, "")
		return
	}
}

func readMessage(ws *websocket.Conn) (proto.Message, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return proto.Decode(data)
}

// verifier attaches the prover's engine connection to its session.
func (h *handlers) verifier(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		obs.ErrorsTotal.WithLabelValues("verifier_missing_id").Inc()
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}
	if !h.allow(w, r, false) {
		return
	}
	ws, err := h.up.Upgrade(w, r, nil)
	if err != nil {
		h.reg.log.Error("verifier.upgrade", obs.Fields{"err": err.Error(), "session": id})
		return
	}
	if err := h.reg.Attach(r.Context(), id, ws); err != nil {
		obs.ErrorsTotal.WithLabelValues("verifier_attach").Inc()
		if errors.Is(err, apperr.ErrSessionNotFound) {
			closeWith(ws, CloseSessionNotFound, "Session not found")
			return
		}
		closeWith(ws, websocket.ClosePolicyViolation, err.Error())
	}
}
