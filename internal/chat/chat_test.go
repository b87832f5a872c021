package chat_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/aily/internal/assistant"
	"github.com/MrWong99/aily/internal/chat"
	"github.com/MrWong99/aily/internal/observe"
	"github.com/MrWong99/aily/pkg/provider/llm"
	llmmock "github.com/MrWong99/aily/pkg/provider/llm/mock"
)

func quiet() chat.Option { return chat.WithLogger(slog.New(slog.DiscardHandler)) }

// echoProvider answers every request with "echo: <last message>".
func echoProvider() *llmmock.Provider {
	return &llmmock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			last := req.Messages[len(req.Messages)-1]
			return &llm.CompletionResponse{Content: "echo: " + last.Content}, nil
		},
	}
}

func TestGenerate_BuildsRequest(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())
	c.SetPrePrompt("You are terse.")
	c.SetTemp(0.3)
	c.SetMaxTokens(256)

	got, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got != "echo: hello" {
		t.Errorf("answer = %q", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != "You are terse." || req.Temperature != 0.3 || req.MaxTokens != 256 {
		t.Errorf("request settings = %+v", req)
	}
	want := []llm.Message{{Role: llm.RoleUser, Content: "hello"}}
	if !slices.Equal(req.Messages, want) {
		t.Errorf("messages = %+v, want %+v", req.Messages, want)
	}
}

func TestGenerate_KeepsHistory(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())

	_, _ = c.Generate(context.Background(), "one")
	_, _ = c.Generate(context.Background(), "two")

	calls := p.Calls()
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "echo: one"},
		{Role: llm.RoleUser, Content: "two"},
	}
	if !slices.Equal(calls[1].Req.Messages, want) {
		t.Errorf("second request messages = %+v, want %+v", calls[1].Req.Messages, want)
	}
	if n := len(c.History()); n != 4 {
		t.Errorf("history length = %d, want 4", n)
	}
}

func TestClearChatRecords(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())

	_, _ = c.Generate(context.Background(), "one")
	c.ClearChatRecords()
	if n := len(c.History()); n != 0 {
		t.Fatalf("history length after clear = %d", n)
	}
	_, _ = c.Generate(context.Background(), "two")

	calls := p.Calls()
	if n := len(calls[1].Req.Messages); n != 1 {
		t.Errorf("request after clear carried %d messages, want 1", n)
	}
}

func TestClearDuringGenerateDropsAnswer(t *testing.T) {
	t.Parallel()
	var c *chat.Chat
	p := &llmmock.Provider{
		CompleteFunc: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			c.ClearChatRecords()
			return &llm.CompletionResponse{Content: "late"}, nil
		},
	}
	c = chat.New(chat.Static(p), quiet())

	if _, err := c.Generate(context.Background(), "hi"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if n := len(c.History()); n != 0 {
		t.Errorf("history length = %d, want 0; the cleared conversation must stay empty", n)
	}
}

func TestGenerate_FailureLeavesHistory(t *testing.T) {
	t.Parallel()
	boom := errors.New("rate limited")
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())
	_, _ = c.Generate(context.Background(), "one")

	p.CompleteFunc = nil
	p.CompleteErr = boom
	if _, err := c.Generate(context.Background(), "two"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if n := len(c.History()); n != 2 {
		t.Errorf("history length = %d, want 2", n)
	}
}

func TestGenerate_EmptyAnswer(t *testing.T) {
	t.Parallel()
	c := chat.New(chat.Static(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}}), quiet())
	if _, err := c.Generate(context.Background(), "hi"); !errors.Is(err, chat.ErrEmptyAnswer) {
		t.Errorf("err = %v, want ErrEmptyAnswer", err)
	}

	c = chat.New(chat.Static(&llmmock.Provider{}), quiet())
	if _, err := c.Generate(context.Background(), "hi"); !errors.Is(err, chat.ErrEmptyAnswer) {
		t.Errorf("nil response: err = %v, want ErrEmptyAnswer", err)
	}
}

func TestSingleTurn(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), chat.WithSingleTurn(), quiet())

	_, _ = c.Generate(context.Background(), "one")
	_, _ = c.Generate(context.Background(), "two")

	for i, call := range p.Calls() {
		if n := len(call.Req.Messages); n != 1 {
			t.Errorf("call %d carried %d messages, want 1", i, n)
		}
	}
	if n := len(c.History()); n != 0 {
		t.Errorf("history length = %d, want 0", n)
	}
}

func TestSetSingleTurn(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())

	_, _ = c.Generate(context.Background(), "one")
	c.SetSingleTurn(true)
	_, _ = c.Generate(context.Background(), "two")
	c.SetSingleTurn(false)
	_, _ = c.Generate(context.Background(), "three")

	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	// Only the multi-turn exchanges are kept and sent.
	for i, want := range []int{1, 1, 3} {
		if n := len(calls[i].Req.Messages); n != want {
			t.Errorf("call %d carried %d messages, want %d", i, n, want)
		}
	}
}

func TestProviderRebuiltOnSettingsChange(t *testing.T) {
	t.Parallel()
	var built []assistant.LLMSettings
	factory := func(s assistant.LLMSettings) (llm.Provider, error) {
		built = append(built, s)
		return echoProvider(), nil
	}
	c := chat.New(factory, quiet())
	c.SetKey("k1")
	c.SetModel("m1")

	_, _ = c.Generate(context.Background(), "a")
	_, _ = c.Generate(context.Background(), "b")
	if len(built) != 1 {
		t.Fatalf("factory calls = %d, want 1 while settings are unchanged", len(built))
	}

	c.SetTemp(1.2) // not a connection setting
	_, _ = c.Generate(context.Background(), "c")
	if len(built) != 1 {
		t.Errorf("temperature change must not rebuild the provider")
	}

	c.SetServer("http://other")
	_, _ = c.Generate(context.Background(), "d")
	if len(built) != 2 {
		t.Fatalf("factory calls = %d, want 2 after a server change", len(built))
	}
	if built[1].Server != "http://other" || built[1].Key != "k1" || built[1].Model != "m1" {
		t.Errorf("rebuilt with %+v", built[1])
	}
}

func TestFactoryError(t *testing.T) {
	t.Parallel()
	boom := errors.New("missing api key")
	c := chat.New(func(assistant.LLMSettings) (llm.Provider, error) { return nil, boom }, quiet())
	if _, err := c.Generate(context.Background(), "hi"); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestCustomInvoke(t *testing.T) {
	t.Parallel()
	p := echoProvider()
	c := chat.New(chat.Static(p), quiet())
	c.SetModel("local")

	var got []assistant.InvokeRequest
	c.SetCustomInvoke(func(_ context.Context, req assistant.InvokeRequest) (string, error) {
		got = append(got, req)
		return "custom: " + req.Text, nil
	})

	a, err := c.Generate(context.Background(), "one")
	if err != nil || a != "custom: one" {
		t.Fatalf("Generate = %q, %v", a, err)
	}
	_, _ = c.Generate(context.Background(), "two")

	if len(p.Calls()) != 0 {
		t.Error("custom invoke must bypass the provider")
	}
	if got[1].Settings.Model != "local" {
		t.Errorf("settings = %+v", got[1].Settings)
	}
	if n := len(got[1].History); n != 2 {
		t.Errorf("history handed to custom invoke = %d messages, want 2", n)
	}

	c.SetCustomInvoke(nil)
	if a, _ := c.Generate(context.Background(), "three"); a != "echo: three" {
		t.Errorf("after removing custom invoke answer = %q", a)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p := echoProvider()
	c := chat.New(chat.Static(p), chat.WithMetrics(m), chat.WithProviderName("openai"), quiet())
	_, _ = c.Generate(context.Background(), "ok")
	p.CompleteFunc = nil
	p.CompleteErr = errors.New("down")
	_, _ = c.Generate(context.Background(), "fail")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var requests int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "aily.provider.requests" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				requests += dp.Value
			}
		}
	}
	if requests != 2 {
		t.Errorf("provider requests = %d, want 2", requests)
	}
}
