// Package mock provides a test double for the tts.Provider interface.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/aily/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
//
// Synthesize returns Clips[text] when present, otherwise Default. If Default
// is nil too, the clip is the text bytes prefixed with "tts:". Err is
// returned for every call when set; Errs overrides it per text.
type Provider struct {
	mu sync.Mutex

	Clips   map[string][]byte
	Default []byte
	Err     error
	Errs    map[string]error

	// Calls records the text of every Synthesize call in order.
	Calls []string
}

// Synthesize records the call and returns the configured clip.
func (p *Provider) Synthesize(_ context.Context, text string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, text)

	if err, ok := p.Errs[text]; ok {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if clip, ok := p.Clips[text]; ok {
		return slices.Clone(clip), nil
	}
	if p.Default != nil {
		return slices.Clone(p.Default), nil
	}
	return []byte("tts:" + text), nil
}

// CallTexts returns a copy of the recorded texts. Thread-safe.
func (p *Provider) CallTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Calls)
}

var _ tts.Provider = (*Provider)(nil)
