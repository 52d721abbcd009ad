// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package statehub implements the Observable State Hub (C8): a
// thread-safe, per-repo state machine with pub-sub fan-out and
// monotonically sequenced updates, throttled so a fast byte-counter
// doesn't flood subscribers (§4.8).
package statehub

import (
	"sync"
	"time"
)

// Status is a repo's position in the state machine (§3, §4.8).
type Status int

const (
	StatusIdle Status = iota
	StatusDownloading
	StatusVerifying
	StatusDownloaded
	StatusBackoffWait
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusDownloading:
		return "downloading"
	case StatusVerifying:
		return "verifying"
	case StatusDownloaded:
		return "downloaded"
	case StatusBackoffWait:
		return "backoff_wait"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RepoState is the observable snapshot published to subscribers.
type RepoState struct {
	RepoID          string
	Status          Status
	CurrentFile     string
	BytesDownloaded int64
	BytesTotal      int64
	Message         string
	Seq             uint64
	UpdatedAt       time.Time

	// AttemptID correlates every update within a single DownloadRepo call,
	// so log lines and client-visible events from the same attempt can be
	// grouped even across retries and backoff waits for the same repo.
	AttemptID string

	// ActiveFile locates CurrentFile within the repo's plan, so a UI can
	// render "file 3 of 12" alongside the byte counters (§3, §4.8).
	ActiveFile ActiveFileStatus

	// VerifyCounters tallies the most recent (or in-progress) verify-and-
	// repair pass (§4.7, §4.8 scenario 3).
	VerifyCounters VerifyCounters

	// DownloadError is the last terminal failure recorded for this repo, if
	// any. It is never cleared retroactively: a later successful attempt
	// overwrites it via BeginAttempt's reset, not a partial update.
	DownloadError *DownloadError
}

// ActiveFileStatus describes where CurrentFile sits within the repo's plan.
type ActiveFileStatus struct {
	Index    int
	Total    int
	Progress float64 // downloaded/total for CurrentFile; 0 if total is unknown
}

// VerifyCounters tallies a verify-and-repair pass (§4.7). ScanIndex/
// ScanTotal track progress through the current checking sweep; the other
// fields summarise the pass's outcome once it completes.
type VerifyCounters struct {
	Missing       int
	Corrupt       int
	Repaired      int
	TotalToRepair int
	ScanIndex     int
	ScanTotal     int
}

// DownloadError is a terminal failure's stable kind and message, suitable
// for a UI to map Kind to an icon without branching on Message (§7).
type DownloadError struct {
	Kind      string
	Message   string
	Timestamp time.Time
}

// throttle classes bound how often a given kind of update may be
// re-published for the same repo (§4.8: bytes progress at most 6Hz, verify
// progress at most 3Hz). Terminal and status-transition updates are never
// throttled.
const (
	bytesInterval  = time.Second / 6
	verifyInterval = time.Second / 3
)

// UpdateKind distinguishes the throttle class of a mutation.
type UpdateKind int

const (
	KindTransition UpdateKind = iota // status change: always published
	KindBytes                       // download progress: throttled to 6Hz
	KindVerify                      // verification progress: throttled to 3Hz
)

type entry struct {
	state           RepoState
	lastBytesPublish  time.Time
	lastVerifyPublish time.Time
	subs            map[int]chan RepoState
	nextSubID       int
}

// Hub is the single-writer actor owning every repo's observable state.
type Hub struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{entries: make(map[string]*entry), now: time.Now}
}

func (h *Hub) entryFor(repoID string) *entry {
	e, ok := h.entries[repoID]
	if !ok {
		e = &entry{
			state: RepoState{RepoID: repoID, Status: StatusIdle},
			subs:  make(map[int]chan RepoState),
		}
		h.entries[repoID] = e
	}
	return e
}

// Get returns the current state for repoID, or the zero-value idle state
// if it has never been touched.
func (h *Hub) Get(repoID string) RepoState {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[repoID]
	if !ok {
		return RepoState{RepoID: repoID, Status: StatusIdle}
	}
	return e.state
}

// Subscribe registers for updates to repoID. The channel receives the
// current state immediately, then every subsequent non-throttled update.
// The returned cancel func must be called to release the subscription.
func (h *Hub) Subscribe(repoID string) (<-chan RepoState, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entryFor(repoID)
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan RepoState, 16)
	e.subs[id] = ch
	ch <- e.state

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.entries[repoID]; ok {
			if sch, ok := cur.subs[id]; ok {
				close(sch)
				delete(cur.subs, id)
			}
		}
	}
}

// Update applies mutate to repoID's current state and publishes the
// result, subject to the throttling rule implied by kind.
func (h *Hub) Update(repoID string, kind UpdateKind, mutate func(*RepoState)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	e := h.entryFor(repoID)
	mutate(&e.state)
	e.state.RepoID = repoID
	e.state.Seq++
	e.state.UpdatedAt = h.clockNow()

	if !h.shouldPublish(e, kind) {
		return
	}
	h.recordPublish(e, kind)
	h.broadcast(e)
}

func (h *Hub) shouldPublish(e *entry, kind UpdateKind) bool {
	now := h.clockNow()
	switch kind {
	case KindBytes:
		return now.Sub(e.lastBytesPublish) >= bytesInterval
	case KindVerify:
		return now.Sub(e.lastVerifyPublish) >= verifyInterval
	default:
		return true
	}
}

func (h *Hub) recordPublish(e *entry, kind UpdateKind) {
	now := h.clockNow()
	switch kind {
	case KindBytes:
		e.lastBytesPublish = now
	case KindVerify:
		e.lastVerifyPublish = now
	}
}

func (h *Hub) broadcast(e *entry) {
	for _, ch := range e.subs {
		select {
		case ch <- e.state:
		default:
			// Slow subscriber: drop rather than block the writer. The next
			// update (or a final terminal one) will catch it up.
		}
	}
}

// Transition is a convenience for status changes, never throttled.
func (h *Hub) Transition(repoID string, status Status, message string) {
	h.Update(repoID, KindTransition, func(s *RepoState) {
		s.Status = status
		s.Message = message
	})
}

// BeginAttempt stamps repoID's state with a fresh attempt ID and clears the
// prior attempt's byte counters, without otherwise touching status. Called
// once at the top of a DownloadRepo call so every update published during
// that attempt (including across internal retries) carries the same ID.
func (h *Hub) BeginAttempt(repoID, attemptID string) {
	h.Update(repoID, KindTransition, func(s *RepoState) {
		s.AttemptID = attemptID
		s.BytesDownloaded = 0
		s.BytesTotal = 0
		s.ActiveFile = ActiveFileStatus{}
		s.VerifyCounters = VerifyCounters{}
		s.DownloadError = nil
	})
}

// ReportBytes publishes download progress, throttled to 6Hz. fileIndex and
// fileTotal locate currentFile within the repo's plan (1-based index; 0/0 if
// the caller has no plan position to report).
func (h *Hub) ReportBytes(repoID, currentFile string, fileIndex, fileTotal int, downloaded, total int64) {
	h.Update(repoID, KindBytes, func(s *RepoState) {
		s.Status = StatusDownloading
		s.CurrentFile = currentFile
		s.BytesDownloaded = downloaded
		s.BytesTotal = total
		s.ActiveFile = ActiveFileStatus{Index: fileIndex, Total: fileTotal, Progress: ratio(downloaded, total)}
	})
}

// ReportVerifyProgress publishes verification progress, throttled to 3Hz.
// scanIndex and scanTotal locate currentFile within the manifest being
// checked (§4.8 scenario 3).
func (h *Hub) ReportVerifyProgress(repoID, currentFile string, scanIndex, scanTotal int) {
	h.Update(repoID, KindVerify, func(s *RepoState) {
		s.Status = StatusVerifying
		s.CurrentFile = currentFile
		s.VerifyCounters.ScanIndex = scanIndex
		s.VerifyCounters.ScanTotal = scanTotal
	})
}

// SetVerifyCounters records a verify-and-repair pass's tallies, never
// throttled: these are summary facts a UI needs promptly, not a
// high-frequency progress stream.
func (h *Hub) SetVerifyCounters(repoID string, missing, corrupt, repaired, totalToRepair int) {
	h.Update(repoID, KindTransition, func(s *RepoState) {
		s.VerifyCounters.Missing = missing
		s.VerifyCounters.Corrupt = corrupt
		s.VerifyCounters.Repaired = repaired
		s.VerifyCounters.TotalToRepair = totalToRepair
	})
}

// TransitionFailed is Transition specialised for StatusFailed: it also
// records a DownloadError carrying the stable kind the UI maps to an icon
// (§7), so a subscriber doesn't have to parse Message to tell failure modes
// apart.
func (h *Hub) TransitionFailed(repoID, message, kind string) {
	h.Update(repoID, KindTransition, func(s *RepoState) {
		s.Status = StatusFailed
		s.Message = message
		s.DownloadError = &DownloadError{Kind: kind, Message: message, Timestamp: h.clockNow()}
	})
}

func ratio(n, d int64) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func (h *Hub) clockNow() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}
