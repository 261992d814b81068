// Package findingpb defines the wire messages and gRPC service description
// for FindingService, the bidirectional stream a scanner uses to register
// with and forward findings to a collector.
//
// A real deployment would generate this package with protoc and
// protoc-gen-go-grpc from a .proto file, the way proto/alert.proto does for
// the tripwire dashboard. Without protoc available in this environment, the
// [grpc.ServiceDesc] and stream descriptors below are hand-wired by the same
// rules protoc-gen-go-grpc applies, and messages are plain JSON-tagged Go
// structs carried over the "json" codec (see codec.go) instead of protobuf
// wire encoding. The RPC shapes (RegisterScanner unary, StreamFindings
// bidi-streaming) match what a FindingService.proto would declare.
package findingpb

// RegisterRequest is sent once per connection to identify the scanner.
type RegisterRequest struct {
	Hostname      string `json:"hostname"`
	Platform      string `json:"platform"`
	ScannerVersion string `json:"scanner_version"`
}

// RegisterResponse carries the scanner_id the collector assigned (or
// confirmed) for this scanner identity.
type RegisterResponse struct {
	ScannerID string `json:"scanner_id"`
}

// Finding is the wire representation of one detector finding, carrying the
// ambient fields ([internal/trace.Finding] plus ScannerID/SourceFile) that
// attach it to a specific scanner run once it leaves the detector packages.
type Finding struct {
	ScannerID     string  `json:"scanner_id"`
	SourceFile    string  `json:"source_file"`
	DetectorTag   string  `json:"detector_tag"`
	CodeAddress   uint32  `json:"code_address"`
	MetricName    string  `json:"metric_name"`
	MetricValue   float64 `json:"metric_value"`
	Note          string  `json:"note"`
	ObservedAtUs  int64   `json:"observed_at_us"`
}

// ServerCommand is the collector's per-Finding response on the
// StreamFindings stream: either an acknowledgement or a rejection reason.
type ServerCommand struct {
	Type  string `json:"type"` // "ACK" or "ERROR"
	Error string `json:"error,omitempty"`
}
