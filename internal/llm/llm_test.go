package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/tutor-gateway/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		OpenAIModel:                "gpt-4o-mini",
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		OrchestratorURL:            "passthrough:///bufnet",
	}
}

func TestSentenceBuffer(t *testing.T) {
	tests := []struct {
		name   string
		deltas []string
		want   []string
		rest   string
	}{
		{"single sentence waits for following space", []string{"Great job."}, nil, "Great job."},
		{"two sentences", []string{"Great job. What is ", "next? Try"}, []string{"Great job.", "What is next?"}, "Try"},
		{"decimal split across deltas", []string{"Pi is 3.", "14 roughly. Ok"}, []string{"Pi is 3.14 roughly."}, "Ok"},
		{"abbreviation", []string{"Ask Dr. Smith now! Then"}, []string{"Ask Dr. Smith now!"}, "Then"},
		{"initial", []string{"Written by J. Doe. End"}, []string{"Written by J. Doe."}, "End"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b SentenceBuffer
			var got []string
			for _, d := range tt.deltas {
				got = append(got, b.Add(d)...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Expected sentences %q, got %q", tt.want, got)
			}
			if rest := b.Flush(); rest != tt.rest {
				t.Errorf("Expected remainder %q, got %q", tt.rest, rest)
			}
		})
	}
}

func TestSentenceWriter_EmptyResponse(t *testing.T) {
	out := make(chan Chunk, 2)
	w := newSentenceWriter(context.Background(), out)
	w.write("   ")
	w.finish(nil)
	close(out)

	if _, err := Collect(out); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestSentenceWriter_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newSentenceWriter(ctx, make(chan Chunk))

	if w.write("One. Two. ") {
		t.Error("Expected write to report the consumer is gone")
	}
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("3-5", "es")
	if !strings.Contains(p, "3-5") || !strings.Contains(p, "es") {
		t.Errorf("Expected grade band and language in prompt, got %q", p)
	}
	if strings.Contains(SystemPrompt("6-8", "en-US"), "language with code") {
		t.Error("Expected no language instruction for English")
	}
}

func TestOpenAIClient_Stream(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Let's think. ", "What is two ", "plus two?"} {
			_, _ = fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	oc := openai.DefaultConfig("test-key")
	oc.BaseURL = srv.URL + "/v1"
	client := NewOpenAIClientWithConfig(oc, testConfig())

	chunks, err := client.Stream(context.Background(), Request{
		SystemPrompt: "Be brief.",
		History:      []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		Utterance:    "help me add",
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var sentences []string
	for c := range chunks {
		if c.Err != nil {
			t.Fatalf("Unexpected chunk error: %v", c.Err)
		}
		sentences = append(sentences, c.Sentence)
	}
	want := []string{"Let's think.", "What is two plus two?"}
	if !reflect.DeepEqual(sentences, want) {
		t.Errorf("Expected %q, got %q", want, sentences)
	}
	for _, s := range []string{`"system"`, `"assistant"`, "help me add"} {
		if !strings.Contains(gotBody, s) {
			t.Errorf("Expected request body to contain %s, got %s", s, gotBody)
		}
	}
}

func TestOpenAIClient_StreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	oc := openai.DefaultConfig("bad")
	oc.BaseURL = srv.URL + "/v1"
	client := NewOpenAIClientWithConfig(oc, testConfig())

	if _, err := client.Stream(context.Background(), Request{Utterance: "hi"}); err == nil {
		t.Error("Expected error for rejected request")
	}
}

func TestGeminiContents(t *testing.T) {
	contents := geminiContents(Request{
		History:   []Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "a"}},
		Utterance: "next",
	})
	if len(contents) != 3 {
		t.Fatalf("Expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Errorf("Expected assistant mapped to model role, got %q", contents[1].Role)
	}
	if contents[2].Role != string(genai.RoleUser) || contents[2].Parts[0].Text != "next" {
		t.Errorf("Expected utterance last as user content, got %+v", contents[2])
	}
}

func startOrchestrator(t *testing.T, handler grpc.StreamHandler) *OrchestratorClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(handler))
	hs := health.NewServer()
	hs.SetServingStatus(OrchestratorService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewOrchestratorClientWithOptions(testConfig(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewOrchestratorClientWithOptions failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestOrchestratorClient_Stream(t *testing.T) {
	client := startOrchestrator(t, func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != respondMethod {
			return status.Error(codes.Unimplemented, method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		utterance := req.GetFields()["utterance"].GetStringValue()
		for _, part := range []string{"You said ", utterance + ". Nice", " work! Keep going."} {
			msg, _ := structpb.NewStruct(map[string]any{"text_chunk": part})
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
		done, _ := structpb.NewStruct(map[string]any{"is_done": true})
		return stream.SendMsg(done)
	})

	chunks, err := client.Stream(context.Background(), Request{SessionID: "s1", Utterance: "two plus two is four"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	reply, err := Collect(chunks)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if reply != "You said two plus two is four. Nice work! Keep going." {
		t.Errorf("Unexpected reply %q", reply)
	}

	ok, err := client.HealthCheck(context.Background())
	if !ok || err != nil {
		t.Errorf("Expected serving orchestrator, got %v (%v)", ok, err)
	}
}

func TestOrchestratorClient_StreamError(t *testing.T) {
	client := startOrchestrator(t, func(_ any, stream grpc.ServerStream) error {
		if err := stream.RecvMsg(&structpb.Struct{}); err != nil {
			return err
		}
		msg, _ := structpb.NewStruct(map[string]any{"error": map[string]any{"code": "quota", "message": "out of tokens"}})
		return stream.SendMsg(msg)
	})

	chunks, err := client.Stream(context.Background(), Request{Utterance: "hi"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	_, err = Collect(chunks)
	var oerr *OrchestratorError
	if !errors.As(err, &oerr) || oerr.Code != "quota" {
		t.Errorf("Expected OrchestratorError quota, got %v", err)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	if !isRetryableStatus(status.Error(codes.Unavailable, "down")) {
		t.Error("Expected Unavailable to be retryable")
	}
	if isRetryableStatus(status.Error(codes.InvalidArgument, "bad")) {
		t.Error("Expected InvalidArgument to be permanent")
	}
}
