package protocol

import (
	"encoding/json"
	"time"
)

// AudioChunk is PCM output streamed to the device audio sink.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SpeechState is published on every speech queue transition.
type SpeechState struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Ticket    string    `json:"ticket"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechOutcome reports how one utterance ended.
type SpeechOutcome struct {
	Ticket    string    `json:"ticket"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Cell mirrors one board grid position.
type Cell struct {
	Position int    `json:"position"`
	SymbolID string `json:"symbol_id,omitempty"`
	BoardID  string `json:"board_id,omitempty"`
}

// Board is the wire view of a board.
type Board struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Cells    []Cell `json:"cells"`
	Version  int64  `json:"version"`
}

// Error codes carried in replies.
const (
	CodeNotFound      = "not_found"
	CodeCycleDetected = "cycle_detected"
	CodeBadRequest    = "bad_request"
	CodeConflict      = "version_conflict"
	CodeInternal      = "internal"
)

// NavigateRequest asks the session to push a board.
type NavigateRequest struct {
	BoardID string `json:"board_id"`
}

// BoardReply answers navigate, back and home.
type BoardReply struct {
	Board *Board   `json:"board,omitempty"`
	Stack []string `json:"stack"`
	Error string   `json:"error,omitempty"`
	Code  string   `json:"code,omitempty"`
}

// CellRequest resolves a position on the current board.
type CellRequest struct {
	Position int `json:"position"`
}

// CellReply describes a resolved cell.
type CellReply struct {
	Kind         string `json:"kind"`
	SymbolID     string `json:"symbol_id,omitempty"`
	Label        string `json:"label,omitempty"`
	PictogramRef string `json:"pictogram_ref,omitempty"`
	BoardID      string `json:"board_id,omitempty"`
	Missing      bool   `json:"missing,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

// AppendRequest adds a symbol to the phrase.
type AppendRequest struct {
	SymbolID string `json:"symbol_id"`
}

// PhraseReply returns the phrase buffer after a mutation.
type PhraseReply struct {
	Segments []string `json:"segments"`
	Error    string   `json:"error,omitempty"`
	Code     string   `json:"code,omitempty"`
}

// SpeakRequest renders the phrase and enqueues it.
type SpeakRequest struct {
	Interrupt bool `json:"interrupt,omitempty"`
	Priority  int  `json:"priority,omitempty"`
	Clear     bool `json:"clear,omitempty"`
}

// SpeakReply carries the speech ticket.
type SpeakReply struct {
	Ticket     string `json:"ticket,omitempty"`
	Utterances int    `json:"utterances"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// CancelRequest cancels one ticket, or everything when Ticket is empty.
type CancelRequest struct {
	Ticket string `json:"ticket,omitempty"`
}

// CancelReply reports whether anything was cancelled.
type CancelReply struct {
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

// TombstoneRequest removes a symbol. Version is the version the caregiver
// last saw.
type TombstoneRequest struct {
	SymbolID string `json:"symbol_id"`
	Version  int64  `json:"version"`
}

// TombstoneReply carries the symbol version after removal.
type TombstoneReply struct {
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SyncRecordRequest asks for the sync state of one entity.
type SyncRecordRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// SupersededCopy is a losing version kept for caregiver review.
type SupersededCopy struct {
	ID           int64           `json:"id"`
	Version      int64           `json:"version"`
	Origin       string          `json:"origin"`
	Payload      json.RawMessage `json:"payload"`
	ModifiedAt   time.Time       `json:"modified_at"`
	SupersededAt time.Time       `json:"superseded_at"`
}

// SyncRecordReply reports an entity's sync state and its superseded copies,
// newest first.
type SyncRecordReply struct {
	State         string           `json:"state,omitempty"`
	LocalVersion  int64            `json:"local_version"`
	RemoteVersion int64            `json:"remote_version"`
	Superseded    []SupersededCopy `json:"superseded"`
	Error         string           `json:"error,omitempty"`
	Code          string           `json:"code,omitempty"`
}

// RestoreRequest re-applies a superseded copy as a new local edit.
type RestoreRequest struct {
	SupersededID int64 `json:"superseded_id"`
}

// RestoreReply carries the entity version written by the restore.
type RestoreReply struct {
	Version int64  `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ClipPutRequest records 16-bit little-endian PCM under a clip reference.
type ClipPutRequest struct {
	Ref        string `json:"ref"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// ClipDeleteRequest removes a recorded clip.
type ClipDeleteRequest struct {
	Ref string `json:"ref"`
}

// ClipReply reports whether a clip is stored under Ref after the request.
type ClipReply struct {
	Ref    string `json:"ref"`
	Stored bool   `json:"stored"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// SyncStatus summarizes one reconciliation pass.
type SyncStatus struct {
	Pushed    int       `json:"pushed"`
	Pulled    int       `json:"pulled"`
	Conflicts int       `json:"conflicts"`
	Failures  int       `json:"failures"`
	Pending   int       `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

// Subject suffixes. Full subjects are "<prefix>.<suffix>".
const (
	SubjectBoardNavigate    = "board.navigate"
	SubjectBoardBack        = "board.back"
	SubjectBoardHome        = "board.home"
	SubjectBoardCell        = "board.cell"
	SubjectPhraseAppend     = "phrase.append"
	SubjectPhraseRemoveLast = "phrase.remove_last"
	SubjectPhraseClear      = "phrase.clear"
	SubjectPhraseSpeak      = "phrase.speak"
	SubjectSpeechCancel     = "speech.cancel"
	SubjectSpeechState      = "speech.state"
	SubjectSpeechOutcome    = "speech.outcome"
	SubjectSpeechAudio      = "speech.audio"
	SubjectSyncStatus       = "sync.status"
	SubjectSyncRecord       = "sync.record"
	SubjectSyncRestore      = "sync.restore"
	SubjectSymbolTombstone  = "symbol.tombstone"
	SubjectClipPut          = "clip.put"
	SubjectClipDelete       = "clip.delete"
	DefaultSubjectPrefix    = "aac"
)

// Subject joins a prefix and a suffix.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + suffix
}
