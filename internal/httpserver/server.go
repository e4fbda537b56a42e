package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/skobkin/diskstat-web/internal/api"
	"github.com/skobkin/diskstat-web/internal/blockdev"
	"github.com/skobkin/diskstat-web/internal/config"
	"github.com/skobkin/diskstat-web/internal/iostat"
	"github.com/skobkin/diskstat-web/internal/procscan"
	"github.com/skobkin/diskstat-web/internal/sampler"
	"github.com/skobkin/diskstat-web/internal/sysinfo"
	"github.com/skobkin/diskstat-web/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
)

// Server wraps the HTTP surface area of the application.
type Server struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	devices     []blockdev.Info
	deviceIndex map[string]blockdev.Info
	system      sysinfo.Info
	sampler     *sampler.Manager
	proc        *procscan.Manager

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, devices []blockdev.Info, system sysinfo.Info, samplerManager *sampler.Manager, procManager *procscan.Manager) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		devices:     devices,
		deviceIndex: make(map[string]blockdev.Info, len(devices)),
		system:      system,
		sampler:     samplerManager,
		proc:        procManager,
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	for _, info := range devices {
		s.deviceIndex[info.ID] = info
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/api/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api", s.handleAPIDocs)
	mux.HandleFunc("/api/", s.handleAPIDocs)
	mux.HandleFunc("/api/system", s.handleAPISystem)
	mux.HandleFunc("/api/devices", s.handleAPIDevices)
	mux.HandleFunc("/api/devices/", s.handleAPIDeviceSubresource)
	mux.HandleFunc("/api/stats", s.handleAPIStats)
	mux.HandleFunc("/api/procs", s.handleAPIProcs)
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.staticHandler())

	if cfg.EnablePrometheus {
		s.registerPrometheus(mux)
	}
	if cfg.EnablePprof {
		registerPprof(mux)
	}

	handler := s.withRequestLogging(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Shutdown attempts a graceful shutdown within the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.readiness()
	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, statusCode, info)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, r, http.StatusOK, version.Current())
}

func (s *Server) handleAPIDocs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if r.URL.Path != "/api" && r.URL.Path != "/api/" {
		http.NotFound(w, r)
		return
	}

	s.serveAsset(w, r, "api.html")
}

func (s *Server) handleAPISystem(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	info := s.system
	if uptime, _, err := sysinfo.ReadUptime(s.cfg.ProcRoot); err == nil {
		info.UptimeSeconds = uptime
	}
	s.writeJSON(w, r, http.StatusOK, info)
}

func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	devices := s.devices
	if devices == nil {
		devices = []blockdev.Info{}
	}
	s.writeJSON(w, r, http.StatusOK, devices)
}

func (s *Server) handleAPIDeviceSubresource(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	const prefix = "/api/devices/"
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	// Device names containing '/' may be addressed in their sysfs form.
	id, ok := strings.CutSuffix(rest, "/stats")
	id = strings.ReplaceAll(id, "!", "/")
	if !ok || id == "" {
		http.NotFound(w, r)
		return
	}
	if !s.knownDevice(id) {
		http.NotFound(w, r)
		return
	}

	if s.sampler == nil {
		http.Error(w, "metrics sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	report, ok := s.sampler.Latest()
	if !ok {
		http.Error(w, "no report available", http.StatusServiceUnavailable)
		return
	}
	stats, ok := report.Devices[id]
	if !ok {
		http.Error(w, "device not reported", http.StatusServiceUnavailable)
		return
	}

	s.writeJSON(w, r, http.StatusOK, deviceStatsResponse{
		Device:          id,
		Timestamp:       report.Timestamp,
		IntervalSeconds: report.IntervalSeconds,
		Stats:           stats,
	})
}

func (s *Server) handleAPIStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if s.sampler == nil {
		http.Error(w, "metrics sampler unavailable", http.StatusServiceUnavailable)
		return
	}
	report, ok := s.sampler.Latest()
	if !ok {
		http.Error(w, "no report available", http.StatusServiceUnavailable)
		return
	}

	if filter := r.URL.Query().Get("devices"); filter != "" {
		report = report.Only(config.SplitList(filter))
	}
	s.writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleAPIProcs(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}

	if s.proc == nil || !s.proc.Enabled() {
		http.Error(w, "process scanner unavailable", http.StatusServiceUnavailable)
		return
	}
	snapshot, ok := s.proc.Latest()
	if !ok {
		http.Error(w, "no process data available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snapshot)
}

type deviceStatsResponse struct {
	Device          string       `json:"device"`
	Timestamp       time.Time    `json:"ts"`
	IntervalSeconds float64      `json:"interval_seconds"`
	Stats           iostat.Stats `json:"stats"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowGet(w, r) {
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	defer func() {
		if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			logger.Debug("websocket close failed", "err", err)
		}
	}()

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)

	procEnabled := s.proc != nil && s.proc.Enabled()
	features := map[string]bool{
		"procs":      procEnabled,
		"prometheus": s.cfg.EnablePrometheus,
	}
	hello := api.NewHelloMessage(
		int(s.cfg.SampleInterval/time.Millisecond),
		s.devices,
		s.system,
		features,
	)

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var (
		statsCh         <-chan sampler.Report
		unsubscribe     func()
		procCh          <-chan procscan.Snapshot
		procUnsubscribe func()
		selected        []string
	)

	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if procUnsubscribe != nil {
			procUnsubscribe()
		}
		outbound.close()
		cancel()
		<-writerDone
	}()

	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}

	if s.sampler != nil {
		statsCh, unsubscribe = s.sampler.Subscribe()
	} else {
		_ = s.enqueueError(outbound, "metrics sampler unavailable", logger)
	}
	if procEnabled {
		ch, cancelProc, err := s.proc.Subscribe()
		if err != nil {
			logger.Warn("failed to subscribe proc scanner", "err", err)
		} else {
			procCh = ch
			procUnsubscribe = cancelProc
		}
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	selectDevices := func(devices []string) error {
		for _, name := range devices {
			if !s.knownDevice(name) {
				return fmt.Errorf("unknown device %q", name)
			}
		}
		selected = append([]string(nil), devices...)
		logger.Info("ws device selection changed", "devices", selected)
		return nil
	}

	for {
		select {
		case report, ok := <-statsCh:
			if !ok {
				statsCh = nil
				continue
			}
			if !s.enqueueMessage(outbound, api.NewStatsMessage(report.Only(selected)), logger) {
				return
			}
		case snapshot, ok := <-procCh:
			if !ok {
				procCh = nil
				continue
			}
			if !s.enqueueMessage(outbound, api.NewProcsMessage(snapshot), logger) {
				return
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, selectDevices, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// knownDevice reports whether name was discovered or is tracked by the sampler.
func (s *Server) knownDevice(name string) bool {
	if _, ok := s.deviceIndex[name]; ok {
		return true
	}
	if s.sampler == nil {
		return false
	}
	tracked := s.sampler.Devices()
	i := sort.SearchStrings(tracked, name)
	return i < len(tracked) && tracked[i] == name
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.WS.ReadTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.ReadTimeout)
		}
		msgType, data, err := conn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, selectDevices func([]string) error, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "subscribe":
		var msg api.SubscribeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !s.enqueueError(outbound, "invalid subscribe payload", logger) {
				return fmt.Errorf("failed to enqueue subscribe error")
			}
			return nil
		}
		if err := selectDevices(msg.Devices); err != nil {
			if !s.enqueueError(outbound, err.Error(), logger) {
				return fmt.Errorf("failed to enqueue subscription error")
			}
		}
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return fmt.Errorf("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.loggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	for _, collector := range s.prometheusCollectors() {
		registry.MustRegister(collector)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

func registerPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return []string{"*"}
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	resp := readyResponse{
		Devices: len(s.devices),
	}

	if s.sampler == nil {
		resp.Status = "degraded"
		resp.Reason = "sampler_not_configured"
		return resp
	}

	resp.Tracked = len(s.sampler.Devices())
	if s.sampler.Ready() {
		resp.Status = "ok"
		return resp
	}

	resp.Status = "initializing"
	resp.Reason = "waiting_for_report"
	return resp
}

type readyResponse struct {
	Status  string `json:"status"`
	Devices int    `json:"devices"`
	Tracked int    `json:"tracked_devices"`
	Reason  string `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue queues msg, evicting the oldest pending message when full.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	select {
	case <-o.ch:
		o.countDrop()
	default:
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
