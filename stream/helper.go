package stream

// Phase is the state of a SyncHelper.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseForeground
	PhaseBackground
	PhaseLoadingMore
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseForeground:
		return "foreground"
	case PhaseBackground:
		return "background"
	case PhaseLoadingMore:
		return "load_more"
	default:
		return "unknown"
	}
}

// Result is the outcome of one sync phase.
type Result struct {
	Count   int
	HasMore bool
	Err     error
}

// CompletionFunc reports the outcome of a phase started by a SyncHelper.
type CompletionFunc func(Result)

// SyncDelegate performs the work for the phases a SyncHelper starts.
// Each started phase must call done exactly once.
type SyncDelegate interface {
	SyncContent(userInteraction bool, done CompletionFunc)
	SyncMore(done CompletionFunc)
	SyncEnded(phase Phase, result Result)
}

// SyncHelper runs the refresh/backfill/load-more state machine. At most one
// phase is active at a time; requests made while a phase is active are
// ignored, not queued. SyncHelper is not safe for concurrent use: it belongs
// to a single Loop.
type SyncHelper struct {
	delegate SyncDelegate
	phase    Phase
	hasMore  bool
	epoch    uint64
}

// NewSyncHelper returns an idle helper that assumes more content exists.
func NewSyncHelper(delegate SyncDelegate) *SyncHelper {
	return &SyncHelper{delegate: delegate, hasMore: true}
}

// Phase returns the active phase.
func (h *SyncHelper) Phase() Phase { return h.phase }

// IsSyncing reports whether any phase is active.
func (h *SyncHelper) IsSyncing() bool { return h.phase != PhaseIdle }

// IsLoadingMore reports whether a load-more phase is active.
func (h *SyncHelper) IsLoadingMore() bool { return h.phase == PhaseLoadingMore }

// HasMore reports whether the last completed fetch said older content exists.
func (h *SyncHelper) HasMore() bool { return h.hasMore }

// SyncContent starts a foreground (userInteraction) or background refresh.
// It returns false when another phase is active.
func (h *SyncHelper) SyncContent(userInteraction bool) bool {
	if h.phase != PhaseIdle {
		return false
	}

	phase := PhaseBackground
	if userInteraction {
		phase = PhaseForeground
	}
	h.phase = phase

	epoch := h.epoch
	h.delegate.SyncContent(userInteraction, func(r Result) {
		h.finish(epoch, phase, r)
	})
	return true
}

// SyncMore starts a load-more phase. It returns false when another phase is
// active or the last fetch reported no more content.
func (h *SyncHelper) SyncMore() bool {
	if h.phase != PhaseIdle || !h.hasMore {
		return false
	}
	h.phase = PhaseLoadingMore

	epoch := h.epoch
	h.delegate.SyncMore(func(r Result) {
		h.finish(epoch, PhaseLoadingMore, r)
	})
	return true
}

// Reset returns the helper to idle and forgets any in-flight phase, whose
// completion will then be dropped.
func (h *SyncHelper) Reset() {
	h.epoch++
	h.phase = PhaseIdle
	h.hasMore = true
}

func (h *SyncHelper) finish(epoch uint64, phase Phase, r Result) {
	if epoch != h.epoch || h.phase != phase {
		return
	}
	if r.Err == nil {
		h.hasMore = r.HasMore
	}
	h.phase = PhaseIdle
	h.delegate.SyncEnded(phase, r)
}
