// Package otlp implements the OpenTelemetry trace receivers: an HTTP
// handler mounted on the main server and a gRPC TraceService on its own
// port. Both feed one canonicalization pipeline that turns spans into run
// upserts.
package otlp

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sync"

	collectorpb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/agentspy-io/agentspy/pkg/config"
	"github.com/agentspy-io/agentspy/pkg/models"
	"github.com/agentspy-io/agentspy/pkg/services"
	"github.com/agentspy-io/agentspy/pkg/storage"
)

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"

	// maxExportBytes caps one decompressed export body, matching the REST
	// batch envelope limit.
	maxExportBytes = 20 << 20
)

// Receiver accepts OTLP trace exports over HTTP and gRPC. The HTTP side is
// an http.Handler the API server mounts on OTLP_HTTP_PATH; the gRPC side
// runs its own listener.
type Receiver struct {
	collectorpb.UnimplementedTraceServiceServer

	runs *services.RunService
	cfg  *config.Config

	grpcsrv *grpc.Server
	wg      sync.WaitGroup
}

// NewReceiver creates a new Receiver.
func NewReceiver(runs *services.RunService, cfg *config.Config) *Receiver {
	return &Receiver{runs: runs, cfg: cfg}
}

// StartGRPC starts the gRPC TraceService listener. No-op when disabled.
func (r *Receiver) StartGRPC() error {
	if !r.cfg.OTLPGRPCEnabled {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.GRPCAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.cfg.GRPCAddr(), err)
	}
	r.ServeGRPC(ln)
	return nil
}

// ServeGRPC serves the TraceService on a caller-provided listener. Tests
// use it to bind an ephemeral port.
func (r *Receiver) ServeGRPC(ln net.Listener) {
	r.grpcsrv = grpc.NewServer()
	collectorpb.RegisterTraceServiceServer(r.grpcsrv, r)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.grpcsrv.Serve(ln); err != nil {
			slog.Error("OTLP gRPC server exited", "error", err)
		}
	}()
	slog.Info("OTLP gRPC receiver listening", "addr", ln.Addr())
}

// Stop gracefully stops the gRPC server, if one was started, and waits for
// its goroutine to drain.
func (r *Receiver) Stop() {
	if r.grpcsrv != nil {
		r.grpcsrv.GracefulStop()
	}
	r.wg.Wait()
}

// Export implements opentelemetry.proto.collector.trace.v1.TraceService.
func (r *Receiver) Export(ctx context.Context, req *collectorpb.ExportTraceServiceRequest) (*collectorpb.ExportTraceServiceResponse, error) {
	resp, err := r.process(ctx, req, models.SourceOTLPGRPC)
	if err != nil {
		if errors.Is(err, storage.ErrStorageUnavailable) {
			return nil, status.Error(codes.Unavailable, "trace storage unavailable")
		}
		return nil, status.Error(codes.Internal, "failed to persist spans")
	}
	return resp, nil
}

// ServeHTTP handles OTLP/HTTP exports: protobuf or JSON encoding, gzip
// accepted, response mirrors the request encoding. Parse problems are 400,
// storage problems 503.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body := req.Body
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, "corrupt gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = gz
	}
	data, err := io.ReadAll(io.LimitReader(body, maxExportBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(data)) > maxExportBytes {
		http.Error(w, "export exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	contentType := mediaType(req)
	in := &collectorpb.ExportTraceServiceRequest{}
	switch contentType {
	case contentTypeProto:
		err = proto.Unmarshal(data, in)
	default:
		// OTLP/HTTP JSON, including requests with a missing content type.
		err = protojson.Unmarshal(data, in)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to decode export: %v", err), http.StatusBadRequest)
		return
	}

	resp, err := r.process(req.Context(), in, models.SourceOTLPHTTP)
	if err != nil {
		if errors.Is(err, storage.ErrStorageUnavailable) {
			http.Error(w, "trace storage unavailable", http.StatusServiceUnavailable)
		} else {
			http.Error(w, "failed to persist spans", http.StatusInternalServerError)
		}
		return
	}
	writeExportResponse(w, contentType, resp)
}

// process canonicalizes and persists one export. Spans that fail
// conversion are reported through the standard partial-success field
// rather than failing the export.
func (r *Receiver) process(ctx context.Context, req *collectorpb.ExportTraceServiceRequest, source models.Source) (*collectorpb.ExportTraceServiceResponse, error) {
	upserts, rejected := SpansToUpserts(req.GetResourceSpans())
	if err := r.runs.IngestSpans(ctx, source, upserts); err != nil {
		return nil, err
	}
	resp := &collectorpb.ExportTraceServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &collectorpb.ExportTracePartialSuccess{
			RejectedSpans: int64(rejected),
			ErrorMessage:  "spans with malformed ids were dropped",
		}
		slog.Warn("Dropped malformed spans from export", "source", source, "rejected", rejected)
	}
	return resp, nil
}

func writeExportResponse(w http.ResponseWriter, contentType string, resp *collectorpb.ExportTraceServiceResponse) {
	var out []byte
	var err error
	if contentType == contentTypeProto {
		out, err = proto.Marshal(resp)
	} else {
		contentType = contentTypeJSON
		out, err = protojson.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func mediaType(req *http.Request) string {
	mt, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}
