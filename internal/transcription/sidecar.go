package transcription

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	transcribeFileMethod = "/stt.v1.TranscriptionService/TranscribeFile"

	defaultMaxMessageSize = 512 * 1024 * 1024
	defaultSidecarTimeout = 10 * time.Minute
	warmupTimeout         = 30 * time.Second

	// Room for the non-audio request fields and protobuf framing.
	requestEnvelopeBytes = 64 << 10
)

var ErrAudioTooLarge = errors.New("audio too large for sidecar request")

// MaxSidecarAudioBytes is the largest audio file whose base64-encoded
// request still fits in a gRPC message of maxMsgSize bytes. A non-positive
// maxMsgSize means the default message size.
func MaxSidecarAudioBytes(maxMsgSize int) int64 {
	if maxMsgSize <= 0 {
		maxMsgSize = defaultMaxMessageSize
	}
	return int64(maxMsgSize-requestEnvelopeBytes) / 4 * 3
}

// SidecarEngine sends whole files to the STT sidecar in a single unary
// TranscribeFile call. The request and response are structpb.Struct values;
// this worker defines that contract and the sidecar must serve it.
type SidecarEngine struct {
	addr          string
	token         string
	model         string
	language      string
	timeout       time.Duration
	maxAudioBytes int64
	conn          *grpc.ClientConn
	logger        *slog.Logger
}

func NewSidecarEngine(cfg Config, logger *slog.Logger) (*SidecarEngine, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("stt address not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var creds grpc.DialOption
	if cfg.TLSCreds != nil {
		creds = grpc.WithTransportCredentials(cfg.TLSCreds)
	} else {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	maxMsgSize := cfg.MaxMessageSize
	if maxMsgSize <= 0 {
		maxMsgSize = defaultMaxMessageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultSidecarTimeout
	}

	opts := append([]grpc.DialOption{
		creds,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMsgSize),
			grpc.MaxCallSendMsgSize(maxMsgSize),
		),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial sidecar: %w", err)
	}

	return &SidecarEngine{
		addr:          cfg.Address,
		token:         cfg.Token,
		model:         cfg.Model,
		language:      cfg.Language,
		timeout:       timeout,
		maxAudioBytes: MaxSidecarAudioBytes(maxMsgSize),
		conn:          conn,
		logger:        logger.With("component", "stt", "engine", EngineSidecar),
	}, nil
}

// Warmup blocks until the connection to the sidecar is ready.
func (e *SidecarEngine) Warmup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	e.logger.Info("STT connecting to sidecar", "address", e.addr)
	e.conn.Connect()
	for {
		state := e.conn.GetState()
		if state == connectivity.Ready {
			e.logger.Info("STT sidecar ready")
			return nil
		}
		if !e.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("sidecar %s not ready (state %s): %w", e.addr, state, ctx.Err())
		}
	}
}

func (e *SidecarEngine) Transcribe(ctx context.Context, path, language string) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if info.Size() > e.maxAudioBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrAudioTooLarge, info.Size(), e.maxAudioBytes)
	}

	audio, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if language == "" {
		language = e.language
	}

	req, err := structpb.NewStruct(map[string]any{
		"audio":    base64.StdEncoding.EncodeToString(audio),
		"format":   formatFromPath(path),
		"language": language,
		"model_id": e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(e.outgoingContext(ctx), transcribeFileMethod, req, resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcription timeout: %w", ctx.Err())
		}
		return nil, fmt.Errorf("transcribe: %w", err)
	}

	return parseSidecarResult(resp)
}

func (e *SidecarEngine) Close() error {
	return e.conn.Close()
}

func (e *SidecarEngine) outgoingContext(ctx context.Context) context.Context {
	md := metadata.MD{}
	if e.token != "" {
		md.Set("authorization", fmt.Sprintf("Bearer %s", e.token))
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func parseSidecarResult(resp *structpb.Struct) (*Result, error) {
	fields := resp.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, fmt.Errorf("sidecar error: %s", msg)
	}
	text, ok := fields["text"]
	if !ok {
		return nil, fmt.Errorf("no transcript received")
	}
	return &Result{
		Text:            strings.TrimSpace(text.GetStringValue()),
		Language:        fields["language"].GetStringValue(),
		DurationSeconds: fields["duration_seconds"].GetNumberValue(),
		Model:           fields["model"].GetStringValue(),
	}, nil
}

func formatFromPath(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}
