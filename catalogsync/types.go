package catalogsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/pos_sync/conflict"
)

type Modules struct {
	Customers bool `json:"customers"`
	Items     bool `json:"items"`
}

// Settings is stored on the connection. Strategy resolves conflicts found during a
// run; manual leaves them flagged for an operator.
type Settings struct {
	Modules  Modules           `json:"modules"`
	Strategy conflict.Strategy `json:"strategy"`
}

func DefaultSettings() Settings {
	return Settings{Modules: Modules{Customers: true, Items: true}, Strategy: conflict.Manual}
}

func DecodeSettings(raw []byte) Settings {
	if len(raw) == 0 {
		return DefaultSettings()
	}
	var s Settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return DefaultSettings()
	}
	if _, err := conflict.ParseStrategy(string(s.Strategy)); err != nil {
		s.Strategy = conflict.Manual
	}
	return s
}

func EncodeSettings(s Settings) []byte {
	b, _ := json.Marshal(s)
	return b
}

type CursorEntry struct {
	UpdatedSince string `json:"updated_since"`
	Cursor       string `json:"cursor"`
}

type CursorState map[string]CursorEntry

func DecodeCursorState(raw []byte) CursorState {
	state := CursorState{}
	if len(raw) == 0 {
		return state
	}
	if err := json.Unmarshal(raw, &state); err != nil || state == nil {
		return CursorState{}
	}
	return state
}

func EncodeCursorState(state CursorState) []byte {
	b, _ := json.Marshal(state)
	return b
}

// externalRecord is one commerce object with its fields renamed to local names.
type externalRecord struct {
	ID        string
	UpdatedAt *time.Time
	Fields    conflict.FieldSet
	Raw       json.RawMessage
}

func decodeExternal(raw json.RawMessage, names map[string]string) (externalRecord, error) {
	rec := externalRecord{Fields: conflict.FieldSet{}, Raw: raw}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return rec, err
	}
	if obj == nil {
		return rec, errors.New("not an object")
	}
	switch id := obj["id"].(type) {
	case string:
		rec.ID = strings.TrimSpace(id)
	case json.Number:
		rec.ID = id.String()
	}
	if s, ok := obj["updated_at"].(string); ok && strings.TrimSpace(s) != "" {
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return rec, fmt.Errorf("updated_at: %w", err)
		}
		t = t.UTC()
		rec.UpdatedAt = &t
	}
	for ext, local := range names {
		if v, ok := obj[ext]; ok {
			rec.Fields[local] = v
		}
	}
	return rec, nil
}

type ConnectRequest struct {
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
	APIKey    string `json:"apiKey"`
}

type UpdateSettingsRequest struct {
	Modules  Modules `json:"modules"`
	Strategy string  `json:"strategy"`
}

type ResolveRequest struct {
	Strategy string `json:"strategy"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
	Settings          Settings           `json:"settings"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ConflictCount int     `json:"conflictCount"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type ConflictResponse struct {
	LocalId           string            `json:"localId"`
	ExternalId        string            `json:"externalId"`
	Fields            []string          `json:"fields"`
	Local             conflict.FieldSet `json:"local"`
	External          conflict.FieldSet `json:"external"`
	LocalUpdatedAt    time.Time         `json:"localUpdatedAt"`
	ExternalUpdatedAt time.Time         `json:"externalUpdatedAt"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunPayload struct {
	RunId        uint   `json:"run_id"`
	TenantId     string `json:"tenant_id"`
	ConnectionId uint   `json:"connection_id"`
}
