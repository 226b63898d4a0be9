package server

import "github.com/triage-ai/palisade/services/request_gate/internal/gate"

// CheckHTTPRequestRequest asks whether an outbound request may proceed.
type CheckHTTPRequestRequest struct {
	Hostname string `json:"hostname"`
	Port     int32  `json:"port"`
	Preview  string `json:"preview,omitempty"`
}

// CheckHistoryAccessRequest asks whether a proxy-history category may be read.
type CheckHistoryAccessRequest struct {
	Category string `json:"category"`
}

// CheckResponse is the gate's decision. A denial is a successful RPC with
// Allowed=false.
type CheckResponse struct {
	Allowed bool   `json:"allowed"`
	Source  string `json:"source"`
	Outcome string `json:"outcome,omitempty"`
	Message string `json:"message"`
}

type ListPendingResponse struct {
	Pending []gate.PendingRequest `json:"pending"`
}

type ResolvePendingRequest struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
}

type WatchPendingRequest struct {
	// IncludeExisting replays current pending decisions as "requested"
	// events before streaming live ones.
	IncludeExisting bool `json:"include_existing,omitempty"`
}

type TargetRequest struct {
	Entry string `json:"entry"`
}

type TargetsResponse struct {
	Targets []string `json:"targets"`
}

// TargetChangeResponse reports whether the list changed and its new contents.
type TargetChangeResponse struct {
	Changed bool     `json:"changed"`
	Targets []string `json:"targets"`
}

type RedactConfigRequest struct {
	JSON string `json:"json"`
}

type RedactConfigResponse struct {
	JSON string `json:"json"`
}

type CheckConfigImportRequest struct {
	Scope string `json:"scope"`
	JSON  string `json:"json"`
}

// CheckConfigImportResponse carries Allowed=false with a user-facing
// message while config editing is switched off.
type CheckConfigImportResponse struct {
	Allowed bool   `json:"allowed"`
	Message string `json:"message,omitempty"`
}
