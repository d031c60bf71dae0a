package orchestrator

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/peachycloudsecurity/exposed-files-scanner/lib"
	"github.com/peachycloudsecurity/exposed-files-scanner/pkg/discovery"
)

const (
	FindingStatusSuccess = "success"
	FindingStatusError   = "error"
)

// Finding is a confirmed exposure on a target. Findings are delivered by value
// and never change once emitted.
type Finding struct {
	ID            string                `json:"id" yaml:"id"`
	Domain        string                `json:"domain" yaml:"domain"`
	Type          discovery.FindingType `json:"type" yaml:"type"`
	Path          string                `json:"path" yaml:"path"`
	Status        string                `json:"status" yaml:"status"`
	FoundAt       string                `json:"foundAt" yaml:"found_at"`
	ContentSize   *int64                `json:"contentSize,omitempty" yaml:"content_size,omitempty"`
	IsOpenSource  bool                  `json:"isOpenSource,omitempty" yaml:"is_open_source,omitempty"`
	OpenSourceURL string                `json:"openSourceUrl,omitempty" yaml:"open_source_url,omitempty"`
	DetectedAt    time.Time             `json:"detectedAt" yaml:"detected_at"`
}

func newFinding(origin string, findingType discovery.FindingType, path string, size *int64) Finding {
	return Finding{
		ID:          uuid.New().String(),
		Domain:      origin,
		Type:        findingType,
		Path:        path,
		Status:      FindingStatusSuccess,
		FoundAt:     lib.JoinURLPath(origin, path),
		ContentSize: size,
		DetectedAt:  time.Now(),
	}
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s", f.Type, f.FoundAt)
}

func (f Finding) Pretty() string {
	line := fmt.Sprintf("%s %s", color.New(color.FgRed, color.Bold).Sprintf("[%s]", f.Type.Label()), color.CyanString(f.FoundAt))
	if f.ContentSize != nil {
		line += fmt.Sprintf(" (%s)", lib.BytesCountToHumanReadable(*f.ContentSize))
	}
	if f.IsOpenSource {
		line += " " + color.GreenString("open source: %s", f.OpenSourceURL)
	}
	return line
}

func (f Finding) TableHeaders() []string {
	return []string{"Domain", "Type", "Path", "Status", "Found At", "Is Open Source"}
}

func (f Finding) TableRow() []string {
	openSource := "No"
	if f.IsOpenSource {
		openSource = "Yes"
	}
	return []string{f.Domain, string(f.Type), f.Path, f.Status, f.FoundAt, openSource}
}

// ScanStatus is the lifecycle state reported in progress snapshots.
type ScanStatus string

const (
	StatusIdle      ScanStatus = "idle"
	StatusScanning  ScanStatus = "scanning"
	StatusCompleted ScanStatus = "completed"
	StatusCancelled ScanStatus = "cancelled"
)

// Progress is a point in time snapshot of a scan.
type Progress struct {
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Findings      int        `json:"findings"`
	CurrentDomain string     `json:"currentDomain"`
	Status        ScanStatus `json:"status"`
	// EstimatedTimeRemaining is in seconds.
	EstimatedTimeRemaining int `json:"estimatedTimeRemaining"`
}
