// Package status serves JSON gateway snapshots over cleartext HTTP/2.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"trackergw/models"
	"trackergw/network"
	"trackergw/storage"
	"trackergw/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 3 * time.Second
)

// Gateway is the part of network.Gateway the endpoint reads.
type Gateway interface {
	Channel() uint8
	InPairingMode() bool
	OTAInProgress() bool
	QueueStats() network.SendQueueStats
	Stats() network.Stats
	ConnectedTrackers() []network.Peer
	PairedTrackers() ([]storage.PairedTracker, error)
	Telemetry() *telemetry.Aggregator
}

var _ Gateway = (*network.Gateway)(nil)

// Info is static gateway identity plus optional live counters.
type Info struct {
	GatewayID   string
	GatewayName string
	Version     string
	Subscribers func() int
}

// Server is the status HTTP endpoint.
type Server struct {
	gw     Gateway
	info   Info
	logger *slog.Logger
	now    func() time.Time
	http   *http.Server
}

// NewServer builds the handler tree. Call Serve to start listening.
func NewServer(gw Gateway, info Info, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		gw:     gw,
		info:   info,
		logger: logger,
		now:    time.Now,
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s
}

// Handler returns the routes wrapped for h2c.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /trackers", s.handleTrackers)
	return h2c.NewHandler(mux, &http2.Server{})
}

// Serve accepts connections on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("status endpoint listening", "addr", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// Snapshot builds the full status document.
func (s *Server) Snapshot() (models.GatewayStatus, error) {
	trackers, err := s.trackers()
	if err != nil {
		return models.GatewayStatus{}, err
	}
	out := models.GatewayStatus{
		GatewayID:     s.info.GatewayID,
		GatewayName:   s.info.GatewayName,
		Version:       s.info.Version,
		Channel:       s.gw.Channel(),
		PairingMode:   s.gw.InPairingMode(),
		OTAInProgress: s.gw.OTAInProgress(),
		Queue:         models.NewQueueStatus(s.gw.QueueStats()),
		Telemetry:     models.NewTelemetryStats(s.gw.Telemetry().Stats()),
		Link:          models.NewLinkStats(s.gw.Stats()),
		Trackers:      trackers,
	}
	if s.info.Subscribers != nil {
		out.Subscribers = s.info.Subscribers()
	}
	return out, nil
}

func (s *Server) trackers() ([]models.Tracker, error) {
	paired, err := s.gw.PairedTrackers()
	if err != nil {
		return nil, err
	}
	return models.MergeTrackers(s.gw.ConnectedTrackers(), paired, s.now()), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.Snapshot()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, snap)
}

func (s *Server) handleTrackers(w http.ResponseWriter, _ *http.Request) {
	trackers, err := s.trackers()
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, trackers)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Warn("status snapshot failed", "error", err)
	http.Error(w, "snapshot unavailable", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger.Debug("write status response failed", "error", err)
	}
}
