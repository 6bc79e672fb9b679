package syncservice

// SignalKind distinguishes the engine-level events a Service reports
// to its single subscriber (the GObject signal bus, in the original).
type SignalKind int

const (
	// SignalSecretsStoreFinished fires after a vault Store completes,
	// successfully or not, following sign-in.
	SignalSecretsStoreFinished SignalKind = iota
	// SignalSignInError fires when the credential pipeline fails
	// terminally: bad certificate, auth expired, unsupported storage
	// version.
	SignalSignInError
	// SignalSyncFinished fires once, after the last registered
	// manager's sync_collection pass completes.
	SignalSyncFinished
	// SignalManagerModified mirrors a manager's own
	// synchronizable-modified signal, annotated with whether the
	// engine has uploaded it yet.
	SignalManagerModified
	// SignalManagerDeleted mirrors synchronizable-deleted.
	SignalManagerDeleted
)

// Signal is the single event type emitted to a Service's signal
// handler. Only the fields relevant to Kind are populated.
type Signal struct {
	Kind SignalKind

	Err     error
	Message string

	Collection string
	RecordID   string
	Uploaded   bool
}

// Handler receives every Signal a Service emits. Exactly one handler
// is registered at a time, via SetSignalHandler.
type Handler func(Signal)

func (s *Service) emit(sig Signal) {
	s.mu.Lock()
	h := s.signalHandler
	s.mu.Unlock()
	if h != nil {
		h(sig)
	}
}

// SetSignalHandler installs the engine's single signal subscriber,
// replacing any previous one.
func (s *Service) SetSignalHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalHandler = h
}
