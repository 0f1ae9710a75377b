package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/matst80/notary/internal/obs"
)

// Server is the notary server's configuration.
type Server struct {
	Listen          string        `koanf:"listen"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Log             obs.Config    `koanf:"log"`
	Session         Session       `koanf:"session"`
	Proxy           Proxy         `koanf:"proxy"`
	RateLimit       RateLimit     `koanf:"ratelimit"`
	Redis           Redis         `koanf:"redis"`
}

type Session struct {
	MaxSentData     int           `koanf:"max_sent_data"`
	MaxRecvData     int           `koanf:"max_recv_data"`
	ProverWait      time.Duration `koanf:"prover_wait"`
	VerifyTimeout   time.Duration `koanf:"verify_timeout"`
	RevealWait      time.Duration `koanf:"reveal_wait"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	MaxReadQueue    int           `koanf:"max_read_queue"`
}

type Proxy struct {
	Enabled     bool          `koanf:"enabled"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// RateLimit rates are events per second; zero disables a limit.
type RateLimit struct {
	GlobalConn     int  `koanf:"global_conn"`
	PerClientConn  int  `koanf:"per_client_conn"`
	GlobalReq      int  `koanf:"global_req"`
	PerClientReq   int  `koanf:"per_client_req"`
	Burst          int  `koanf:"burst"`
	TrustForwarded bool `koanf:"trust_forwarded"`
}

// Redis selects the shared session store. An empty Addr keeps sessions in memory.
type Redis struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	KeyTTL   time.Duration `koanf:"key_ttl"`
}

func DefaultServer() Server {
	return Server{
		Listen:          ":7047",
		ShutdownTimeout: 10 * time.Second,
		Log:             obs.Config{Level: "info", Format: "json"},
		Session: Session{
			MaxSentData:     16 * 1024,
			MaxRecvData:     64 * 1024,
			ProverWait:      30 * time.Second,
			VerifyTimeout:   120 * time.Second,
			RevealWait:      30 * time.Second,
			CleanupInterval: 5 * time.Second,
			MaxReadQueue:    10 * 1024 * 1024,
		},
		Proxy:     Proxy{Enabled: true, DialTimeout: 10 * time.Second},
		RateLimit: RateLimit{GlobalConn: 200, PerClientConn: 10, Burst: 20},
		Redis:     Redis{KeyTTL: time.Hour},
	}
}

func (c Server) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Session.MaxSentData <= 0 || c.Session.MaxRecvData <= 0 {
		return fmt.Errorf("session limits must be positive")
	}
	if c.Session.ProverWait <= 0 || c.Session.CleanupInterval <= 0 {
		return fmt.Errorf("session.prover_wait and session.cleanup_interval must be positive")
	}
	return nil
}

// Prover is the notary-prover CLI's configuration.
type Prover struct {
	Notary             string        `koanf:"notary"`
	Log                obs.Config    `koanf:"log"`
	MaxSentData        int           `koanf:"max_sent_data"`
	MaxRecvData        int           `koanf:"max_recv_data"`
	ResponseTimeout    time.Duration `koanf:"response_timeout"`
	Workers            int           `koanf:"workers"`
	InsecureSkipVerify bool          `koanf:"insecure_skip_verify"`
}

func DefaultProver() Prover {
	return Prover{
		Notary:          "ws://localhost:7047",
		Log:             obs.Config{Level: "warn", Format: "text"},
		MaxSentData:     4096,
		MaxRecvData:     16384,
		ResponseTimeout: 60 * time.Second,
		Workers:         4,
	}
}

func (c Prover) Validate() error {
	u, err := url.Parse(c.Notary)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("notary must be a ws:// or wss:// url, got %q", c.Notary)
	}
	if c.MaxSentData <= 0 || c.MaxRecvData <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	return nil
}
