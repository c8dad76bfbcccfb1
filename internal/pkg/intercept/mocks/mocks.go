// Package mocks contains func-field mocks of the intercept interfaces.
package mocks

import "github.com/endorses/lagswitch/internal/pkg/intercept"

// Source allows mocking an intercept.Source.
type Source struct {
	MockName func() string

	MockFilter func(spec intercept.FilterSpec) (string, error)

	MockOpen func(filter string) (intercept.Handle, error)
}

var _ intercept.Source = &Source{}

// Name calls MockName.
func (s *Source) Name() string {
	return s.MockName()
}

// Filter calls MockFilter.
func (s *Source) Filter(spec intercept.FilterSpec) (string, error) {
	return s.MockFilter(spec)
}

// Open calls MockOpen.
func (s *Source) Open(filter string) (intercept.Handle, error) {
	return s.MockOpen(filter)
}

// Handle allows mocking an intercept.Handle.
type Handle struct {
	MockReceive func(buf []byte) (int, intercept.Metadata, error)

	MockSend func(data []byte, md intercept.Metadata) error

	MockShutdown func() error

	MockClose func() error
}

var _ intercept.Handle = &Handle{}

// Receive calls MockReceive.
func (h *Handle) Receive(buf []byte) (int, intercept.Metadata, error) {
	return h.MockReceive(buf)
}

// Send calls MockSend.
func (h *Handle) Send(data []byte, md intercept.Metadata) error {
	return h.MockSend(data, md)
}

// Shutdown calls MockShutdown.
func (h *Handle) Shutdown() error {
	return h.MockShutdown()
}

// Close calls MockClose.
func (h *Handle) Close() error {
	return h.MockClose()
}
