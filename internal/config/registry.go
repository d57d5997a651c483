package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/millwright/pkg/provider/conversation"
	"github.com/MrWong99/millwright/pkg/provider/stt"
	"github.com/MrWong99/millwright/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	conversation map[string]func(ProviderEntry) (conversation.Service, error)
	stt          map[string]func(ProviderEntry) (stt.Transcriber, error)
	vad          map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		conversation: make(map[string]func(ProviderEntry) (conversation.Service, error)),
		stt:          make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		vad:          make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterConversation registers a conversation service factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterConversation(name string, factory func(ProviderEntry) (conversation.Service, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversation[name] = factory
}

// RegisterSTT registers a transcriber factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateConversation instantiates the conversation service registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateConversation(entry ProviderEntry) (conversation.Service, error) {
	r.mu.RLock()
	factory, ok := r.conversation[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: conversation/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSTT instantiates the transcriber registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Transcriber, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates the VAD engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind
// ("conversation", "stt" or "vad").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "conversation":
		for n := range r.conversation {
			names = append(names, n)
		}
	case "stt":
		for n := range r.stt {
			names = append(names, n)
		}
	case "vad":
		for n := range r.vad {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
