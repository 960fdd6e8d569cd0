// Package tracing records spans for esignd requests and signature-core
// operations.
//
// It follows OpenTelemetry concepts without the SDK: spans carry W3C trace
// context, so a caller that sends a traceparent header sees its trace id on
// every span esignd records for that request. Spans are exported as structured
// log lines or appended to a rotating JSON-lines file.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"esignd/internal/logging"
)

// TraceID identifies a trace.
type TraceID [16]byte

func (t TraceID) String() string { return hex.EncodeToString(t[:]) }

// IsValid reports whether the id is non-zero.
func (t TraceID) IsValid() bool { return t != TraceID{} }

// SpanID identifies a span within a trace.
type SpanID [8]byte

func (s SpanID) String() string { return hex.EncodeToString(s[:]) }

// IsValid reports whether the id is non-zero.
func (s SpanID) IsValid() bool { return s != SpanID{} }

// SpanKind distinguishes request spans from the core operations beneath them.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
)

func (k SpanKind) String() string {
	if k == SpanKindServer {
		return "server"
	}
	return "internal"
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// SpanContext is the propagated part of a span.
type SpanContext struct {
	TraceID    TraceID
	SpanID     SpanID
	TraceFlags byte
	Remote     bool
}

// IsValid reports whether both ids are set.
func (sc SpanContext) IsValid() bool { return sc.TraceID.IsValid() && sc.SpanID.IsValid() }

// IsSampled reports whether the sampled flag is set.
func (sc SpanContext) IsSampled() bool { return sc.TraceFlags&0x01 != 0 }

// Span is one timed operation. A nil or unsampled span accepts every call and
// exports nothing.
type Span struct {
	mu        sync.Mutex
	tracer    *Tracer
	name      string
	context   SpanContext
	parent    SpanContext
	kind      SpanKind
	start     time.Time
	end       time.Time
	attrs     map[string]string
	status    StatusCode
	statusMsg string
	ended     atomic.Bool
}

// Context returns the span's propagation context.
func (s *Span) Context() SpanContext {
	if s == nil {
		return SpanContext{}
	}
	return s.context
}

// SetAttribute records a string attribute. Later values win.
func (s *Span) SetAttribute(key, value string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]string)
	}
	s.attrs[key] = value
}

// SetStatus sets the span outcome.
func (s *Span) SetStatus(code StatusCode, message string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = code
	s.statusMsg = message
}

// RecordError marks the span failed. A nil error is ignored.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetAttribute("error.type", fmt.Sprintf("%T", err))
	s.SetStatus(StatusError, err.Error())
}

// End stamps the end time and exports the span once.
func (s *Span) End() {
	if s == nil || s.ended.Swap(true) {
		return
	}
	s.mu.Lock()
	s.end = time.Now()
	s.mu.Unlock()

	if s.tracer != nil && s.context.IsSampled() {
		s.tracer.exporter.ExportSpan(s.Data())
	}
}

// SpanData is the exported form of a span.
type SpanData struct {
	Service    string            `json:"service"`
	Name       string            `json:"name"`
	TraceID    string            `json:"traceId"`
	SpanID     string            `json:"spanId"`
	ParentID   string            `json:"parentId,omitempty"`
	Kind       string            `json:"kind"`
	StartTime  time.Time         `json:"startTime"`
	EndTime    time.Time         `json:"endTime"`
	Duration   time.Duration     `json:"durationNs"`
	Status     string            `json:"status"`
	StatusMsg  string            `json:"statusMessage,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Data snapshots the span.
func (s *Span) Data() SpanData {
	s.mu.Lock()
	defer s.mu.Unlock()

	attrs := make(map[string]string, len(s.attrs))
	for k, v := range s.attrs {
		attrs[k] = v
	}
	var parentID, service string
	if s.parent.SpanID.IsValid() {
		parentID = s.parent.SpanID.String()
	}
	if s.tracer != nil {
		service = s.tracer.service
	}
	return SpanData{
		Service:    service,
		Name:       s.name,
		TraceID:    s.context.TraceID.String(),
		SpanID:     s.context.SpanID.String(),
		ParentID:   parentID,
		Kind:       s.kind.String(),
		StartTime:  s.start,
		EndTime:    s.end,
		Duration:   s.end.Sub(s.start),
		Status:     s.status.String(),
		StatusMsg:  s.statusMsg,
		Attributes: attrs,
	}
}

// Exporter receives finished, sampled spans.
type Exporter interface {
	ExportSpan(SpanData)
	Close() error
}

// LogExporter writes spans as debug-level log records.
type LogExporter struct {
	log *logging.Logger
}

// NewLogExporter exports through log.
func NewLogExporter(log *logging.Logger) *LogExporter {
	return &LogExporter{log: log.WithComponent("tracing")}
}

func (e *LogExporter) ExportSpan(d SpanData) {
	args := []any{
		"trace_id", d.TraceID,
		"span_id", d.SpanID,
		"parent_id", d.ParentID,
		"kind", d.Kind,
		"status", d.Status,
		"duration_ms", d.Duration.Milliseconds(),
	}
	for k, v := range d.Attributes {
		args = append(args, "attr."+k, v)
	}
	e.log.Debug("span "+d.Name, args...)
}

func (e *LogExporter) Close() error { return nil }

// FileExporter appends spans as JSON lines to a rotating file.
type FileExporter struct {
	mu  sync.Mutex
	rot *logging.FileRotator
	enc *json.Encoder
}

// NewFileExporter opens the span file described by cfg.
func NewFileExporter(cfg *logging.Config) (*FileExporter, error) {
	rot, err := logging.NewFileRotator(cfg)
	if err != nil {
		return nil, fmt.Errorf("open span file: %w", err)
	}
	return &FileExporter{rot: rot, enc: json.NewEncoder(rot)}, nil
}

func (e *FileExporter) ExportSpan(d SpanData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(d)
}

func (e *FileExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rot.Close()
}

type nopExporter struct{}

func (nopExporter) ExportSpan(SpanData) {}
func (nopExporter) Close() error { return nil }

// Config configures a Tracer.
type Config struct {
	Service string

	// SampleRatio is the share of new traces recorded, in [0,1]. Child spans,
	// including those under a remote traceparent, follow their parent.
	SampleRatio float64

	Exporter Exporter
}

// Tracer starts spans.
type Tracer struct {
	service  string
	ratio    float64
	exporter Exporter
	enabled  bool
}

// New creates a tracer. A nil exporter disables tracing.
func New(cfg Config) *Tracer {
	if cfg.Exporter == nil {
		return Nop()
	}
	ratio := cfg.SampleRatio
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	return &Tracer{service: cfg.Service, ratio: ratio, exporter: cfg.Exporter, enabled: true}
}

// Nop returns a tracer that records nothing.
func Nop() *Tracer {
	return &Tracer{exporter: nopExporter{}}
}

// Close flushes and closes the exporter.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	return t.exporter.Close()
}

// sample keeps a trace when the leading 8 bytes of its id fall under the ratio.
func (t *Tracer) sample(id TraceID) bool {
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(id[i])
	}
	if t.ratio >= 1 {
		return true
	}
	return h < uint64(t.ratio*float64(^uint64(0)))
}

// SpanOption configures a span at start.
type SpanOption func(*Span)

// WithKind sets the span kind.
func WithKind(kind SpanKind) SpanOption { return func(s *Span) { s.kind = kind } }

// WithAttribute sets an attribute when the span starts.
func WithAttribute(key, value string) SpanOption {
	return func(s *Span) { s.SetAttribute(key, value) }
}

// WithRemoteParent parents the span on an extracted traceparent.
func WithRemoteParent(sc SpanContext) SpanOption {
	return func(s *Span) {
		if sc.IsValid() {
			s.parent = sc
		}
	}
}

// Start begins a span as a child of the span in ctx, if any.
func (t *Tracer) Start(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, nil
	}

	span := &Span{tracer: t, name: name, start: time.Now()}
	if parent := SpanFromContext(ctx); parent != nil {
		span.parent = parent.Context()
	}
	for _, opt := range opts {
		opt(span)
	}

	sc := SpanContext{TraceID: span.parent.TraceID}
	if !sc.TraceID.IsValid() {
		_, _ = rand.Read(sc.TraceID[:])
	}
	_, _ = rand.Read(sc.SpanID[:])
	switch {
	case span.parent.IsValid():
		sc.TraceFlags = span.parent.TraceFlags & 0x01
	case t.sample(sc.TraceID):
		sc.TraceFlags = 0x01
	}
	span.context = sc

	return ContextWithSpan(ctx, span), span
}

type spanKey struct{}

// ContextWithSpan stores span in ctx.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// TraceIDFromContext returns the active trace id as hex, or "".
func TraceIDFromContext(ctx context.Context) string {
	if span := SpanFromContext(ctx); span != nil && span.context.TraceID.IsValid() {
		return span.context.TraceID.String()
	}
	return ""
}

// Run traces fn as a child span named name. A failed fn marks the span as an error.
func Run[T any](ctx context.Context, t *Tracer, name string, fn func(context.Context) (T, error), opts ...SpanOption) (T, error) {
	ctx, span := t.Start(ctx, name, opts...)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(StatusOK, "")
	}
	return v, err
}

// HeaderTraceParent is the W3C trace context header.
const HeaderTraceParent = "traceparent"

// ParseTraceParent parses a version 00 traceparent header,
// e.g. 00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01.
func ParseTraceParent(header string) (SpanContext, error) {
	if len(header) != 55 {
		return SpanContext{}, errors.New("invalid traceparent length")
	}
	if header[2] != '-' || header[35] != '-' || header[52] != '-' {
		return SpanContext{}, errors.New("invalid traceparent format")
	}
	if v := header[0:2]; v != "00" {
		return SpanContext{}, fmt.Errorf("unsupported traceparent version: %s", v)
	}

	var sc SpanContext
	if _, err := hex.Decode(sc.TraceID[:], []byte(header[3:35])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace id: %w", err)
	}
	if _, err := hex.Decode(sc.SpanID[:], []byte(header[36:52])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid parent id: %w", err)
	}
	var flags [1]byte
	if _, err := hex.Decode(flags[:], []byte(header[53:55])); err != nil {
		return SpanContext{}, fmt.Errorf("invalid trace flags: %w", err)
	}
	if !sc.IsValid() {
		return SpanContext{}, errors.New("traceparent carries an all-zero id")
	}
	sc.TraceFlags = flags[0] & 0x01
	sc.Remote = true
	return sc, nil
}

// FormatTraceParent renders sc as a traceparent header value.
func FormatTraceParent(sc SpanContext) string {
	flags := "00"
	if sc.IsSampled() {
		flags = "01"
	}
	return "00-" + sc.TraceID.String() + "-" + sc.SpanID.String() + "-" + flags
}
