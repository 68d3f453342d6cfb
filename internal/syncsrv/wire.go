package syncsrv

import (
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
)

// Minimum sync protocol version served. Older clients used a legacy media
// path this server does not implement; they are refused at the handshake.
const MinProtocolVersion = 11

// MetaRequest is the handshake body. Older builds send only v/cv; newer
// ones include their collection state so the server can refuse incremental
// sync up front.
type MetaRequest struct {
	Version       int    `json:"v"`
	ClientVersion string `json:"cv"`
	Mod           int64  `json:"mod,omitempty"`
	USN           int64  `json:"usn,omitempty"`
	SCM           int64  `json:"scm,omitempty"`
	ClientTime    int64  `json:"ts,omitempty"` // client wall clock, ms
}

// MetaResponse describes the server's collection state. Cont=false refuses
// incremental sync; the message explains why.
type MetaResponse struct {
	Mod      int64  `json:"mod"`
	SCM      int64  `json:"scm"`
	USN      int64  `json:"usn"`
	Ts       int64  `json:"ts"`
	MediaUSN int64  `json:"musn"`
	Username string `json:"uname"`
	Message  string `json:"msg"`
	Cont     bool   `json:"cont"`
	Empty    bool   `json:"empty"`
	HostNum  int    `json:"hostNum"`
}

// StartRequest opens a sync transaction. MinUSN is the last server USN the
// client has seen; LocalNewer reports whose collection mod is later, which
// decides the winner for the whole-blob config in legacy schemas.
type StartRequest struct {
	MinUSN     int64              `json:"minUsn"`
	MaxUSN     int64              `json:"maxUsn"`
	LocalNewer bool               `json:"lnewer"`
	Graves     *collection.Graves `json:"graves,omitempty"`
}

// StartResponse returns the server's unprocessed tombstones.
type StartResponse struct {
	Graves *collection.Graves `json:"graves"`
}

// Changes carries the non-chunked tables, keyed by wire table name
// (decks, dconf, models, tags, conf).
type Changes map[string][]collection.Row

// ApplyChangesRequest uploads the client's small-table changes.
type ApplyChangesRequest struct {
	Changes Changes `json:"changes"`
}

// ApplyChangesResponse returns the server's small-table changes.
type ApplyChangesResponse struct {
	Changes Changes `json:"changes"`
}

// Chunk is one streamed batch of big-table rows. The exchange ends when a
// side sends Done=true.
type Chunk struct {
	Done   bool                        `json:"done"`
	Tables map[string][]collection.Row `json:"tables,omitempty"`
}

// ApplyChunkRequest uploads one client chunk.
type ApplyChunkRequest struct {
	Chunk *Chunk `json:"chunk"`
}

// ChunkResponse returns the next server chunk.
type ChunkResponse struct {
	Chunk *Chunk `json:"chunk"`
}

// SanityCheckRequest carries the client's count digest.
type SanityCheckRequest struct {
	Client []int64 `json:"client"`
}

// Sanity check statuses.
const (
	SanityOK  = "ok"
	SanityBad = "bad"
)

// SanityCheckResponse reports digest agreement.
type SanityCheckResponse struct {
	Status string `json:"status"`
}

// FinishResponse returns the server-chosen collection mod time.
type FinishResponse struct {
	Mod int64 `json:"mod"`
}

// UploadResponse acknowledges a full upload.
type UploadResponse struct {
	Status string `json:"status"`
}

// UploadOK is the status of a successful full upload.
const UploadOK = "OK"
