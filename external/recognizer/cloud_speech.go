package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/livecaption/internal/recognizer"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	EngineGoogle = "google"

	speechAPIEndpointPort = 443
	eventBuffer           = 32
)

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
}

type CloudSpeechRecognizer struct {
	projectID       string
	credentialsJSON string
	location        string
	model           string
}

func NewCloudSpeechRecognizer(cfg CloudSpeechConfig) recognizer.Recognizer {
	return &CloudSpeechRecognizer{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		location:        strings.TrimSpace(cfg.Location),
		model:           strings.TrimSpace(cfg.Model),
	}
}

func (r *CloudSpeechRecognizer) StartStream(ctx context.Context, cfg recognizer.Config) (recognizer.Stream, error) {
	model := cfg.Model
	if model == "" {
		model = r.model
	}
	slog.Info("starting cloud speech streaming", "location", r.location, "language", cfg.Language, "model", model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(r.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if r.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", r.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		_ = client.Close()
		return nil, err
	}

	recognizerName := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", r.projectID, r.location)
	sendConfig := func(s speechpb.Speech_StreamingRecognizeClient) error {
		return s.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: recognizerName,
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Model:         model,
						LanguageCodes: []string{cfg.Language},
						DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
							ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
								Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
								SampleRateHertz:   int32(cfg.SampleRate),
								AudioChannelCount: int32(cfg.Channels),
							},
						},
						Features: &speechpb.RecognitionFeatures{
							EnableAutomaticPunctuation: cfg.Features.Punctuate,
						},
					},
					StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: cfg.Features.InterimResults},
				},
			},
		})
	}
	if err := sendConfig(stream); err != nil {
		_ = stream.CloseSend()
		cancel()
		_ = client.Close()
		return nil, err
	}

	s := &cloudSpeechStream{
		stream: stream,
		events: make(chan recognizer.Event, eventBuffer),
		done:   make(chan struct{}),
		newStreamFn: func() (speechpb.Speech_StreamingRecognizeClient, error) {
			next, err := client.StreamingRecognize(streamCtx)
			if err != nil {
				return nil, err
			}
			if err := sendConfig(next); err != nil {
				_ = next.CloseSend()
				return nil, err
			}
			return next, nil
		},
		closeFn: func() error {
			cancel()
			return client.Close()
		},
	}
	s.startReceiver(stream, 0)
	slog.Info("cloud speech stream initialized", "language", cfg.Language)
	return s, nil
}

// cloudSpeechStream transparently reopens the gRPC stream when the service
// aborts it at its maximum duration.
type cloudSpeechStream struct {
	mu          sync.Mutex
	closed      bool
	inputEnded  bool
	generation  int
	stream      speechpb.Speech_StreamingRecognizeClient
	newStreamFn func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn     func() error

	events     chan recognizer.Event
	done       chan struct{}
	finishOnce sync.Once
	receivers  sync.WaitGroup
	err        error
}

func (s *cloudSpeechStream) PushFrame(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inputEnded || s.finished() {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: pcm,
		},
	}
	if err := s.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		slog.Warn("recognizer send failed with reconnectable error; reconnecting", "error", err)
		if err := s.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
		return s.stream.Send(req)
	}
	return nil
}

func (s *cloudSpeechStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inputEnded {
		return nil
	}
	s.inputEnded = true
	return s.stream.CloseSend()
}

func (s *cloudSpeechStream) Events() <-chan recognizer.Event {
	return s.events
}

func (s *cloudSpeechStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *cloudSpeechStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.inputEnded {
		_ = s.stream.CloseSend()
	}
	s.mu.Unlock()
	err := s.closeFn()
	s.finish(nil)
	return err
}

func (s *cloudSpeechStream) reconnectLocked() error {
	_ = s.stream.CloseSend()
	next, err := s.newStreamFn()
	if err != nil {
		slog.Error("failed to reconnect recognizer stream", "error", err)
		return err
	}
	s.generation++
	s.stream = next
	s.startReceiver(next, s.generation)
	slog.Info("recognizer stream reconnected", "generation", s.generation)
	return nil
}

// finish records the terminal error and closes Events once every receiver
// has stopped sending.
func (s *cloudSpeechStream) finish(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		close(s.done)
		s.mu.Unlock()
		go func() {
			s.receivers.Wait()
			close(s.events)
		}()
	})
}

func (s *cloudSpeechStream) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *cloudSpeechStream) isCurrent(generation int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == generation
}

func (s *cloudSpeechStream) startReceiver(stream speechpb.Speech_StreamingRecognizeClient, generation int) {
	s.receivers.Add(1)
	go func() {
		defer s.receivers.Done()
		var lastEnd time.Duration
		for {
			resp, err := stream.Recv()
			if err != nil {
				s.receiverStopped(generation, err)
				return
			}
			for _, result := range resp.GetResults() {
				if len(result.GetAlternatives()) == 0 {
					continue
				}
				alt := result.GetAlternatives()[0]
				ev := recognizer.Event{
					Type:     recognizer.EventInterim,
					Text:     alt.GetTranscript(),
					Language: result.GetLanguageCode(),
				}
				if result.GetIsFinal() {
					end := result.GetResultEndOffset().AsDuration()
					ev.Type = recognizer.EventFinal
					ev.Duration = max(0, end-lastEnd)
					lastEnd = end
					if c := alt.GetConfidence(); c > 0 {
						confidence := float64(c)
						ev.Confidence = &confidence
					}
				}
				select {
				case s.events <- ev:
				case <-s.done:
					return
				}
			}
		}
	}()
}

func (s *cloudSpeechStream) receiverStopped(generation int, err error) {
	if !s.isCurrent(generation) {
		return
	}
	s.mu.Lock()
	inputEnded, closed := s.inputEnded, s.closed
	s.mu.Unlock()
	switch {
	case closed || errors.Is(err, context.Canceled) || status.Code(err) == codes.Canceled:
		slog.Info("recognizer receive loop stopped", "reason", err.Error())
		s.finish(nil)
	case errors.Is(err, io.EOF) && inputEnded:
		s.finish(nil)
	case isReconnectableStreamError(err):
		slog.Warn("recognizer receive loop ended with reconnectable abort", "error", err)
	default:
		s.finish(err)
	}
}

func isReconnectableStreamError(err error) bool {
	if err == io.EOF || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
