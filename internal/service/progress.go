package service

import (
	"fmt"
	"math"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/dustin/go-humanize"

	"github.com/shepherd-project/modelfetch/internal/download"
)

const (
	// estimateCap bounds the time-based percentage shown while the total is unknown
	estimateCap = 90
	// progressCap keeps real progress below 100 until the bundle is verified
	progressCap = 99
	// estimateTau is the time constant of the time-based estimate
	estimateTau = 60 * time.Second

	unknownETA = "--:--:--"
	zeroETA    = "00:00:00"
)

// ProgressView is the UI-facing progress of one model
type ProgressView struct {
	ModelID       string          `json:"modelId"`
	Status        download.Status `json:"status"`
	Current       int64           `json:"current"`
	Total         int64           `json:"total"`
	Percentage    int             `json:"percentage"`
	Estimated     bool            `json:"estimated"` // percentage is a time-based estimate
	Speed         string          `json:"speed"`
	ETA           string          `json:"eta"`
	StatusText    string          `json:"statusText"`
	IsDownloading bool            `json:"isDownloading"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
}

func defaultView(modelID string) ProgressView {
	return ProgressView{
		ModelID:    modelID,
		Status:     download.StatusNotStarted,
		Speed:      formatSpeed(0),
		ETA:        zeroETA,
		StatusText: "Not started",
	}
}

// tracker smooths speed and keeps the displayed percentage monotonic for one session
type tracker struct {
	speed     ewma.MovingAverage
	lastBytes int64
	lastAt    time.Time
	shown     int
}

func newTracker() *tracker {
	return &tracker{speed: ewma.NewMovingAverage()}
}

// observe feeds the rate since the previous callback into the moving average
func (t *tracker) observe(bytes int64, at time.Time) {
	if t.lastAt.IsZero() {
		t.lastAt, t.lastBytes = at, bytes
		return
	}
	dt := at.Sub(t.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	rate := float64(bytes-t.lastBytes) / dt
	if rate < 0 {
		rate = 0
	}
	t.speed.Add(rate)
	t.lastAt, t.lastBytes = at, bytes
}

type sample struct {
	percentage  int
	estimated   bool
	bytesPerSec float64
}

func (t *tracker) sample(snap download.Snapshot, approxSize int64, now time.Time) sample {
	var out sample
	switch {
	case snap.Status == download.StatusComplete:
		out.percentage = 100
	case snap.BytesTotal > 0:
		out.percentage = int(snap.BytesDownloaded * 100 / snap.BytesTotal)
		if out.percentage > progressCap {
			out.percentage = progressCap
		}
	case snap.Status.IsActive():
		out.estimated = true
		out.percentage = estimate(snap, approxSize, now)
	}
	if out.percentage < t.shown {
		out.percentage = t.shown
	}
	t.shown = out.percentage

	if snap.Status.IsActive() {
		out.bytesPerSec = t.rate(snap)
	}
	return out
}

// rate prefers the smoothed speed and falls back to the session average
func (t *tracker) rate(snap download.Snapshot) float64 {
	if v := t.speed.Value(); v > 0 {
		return v
	}
	if elapsed := snap.Elapsed().Seconds(); elapsed > 0 && snap.BytesDownloaded > 0 {
		return float64(snap.BytesDownloaded) / elapsed
	}
	return 0
}

// estimate guesses a percentage when the transfer cannot report a total:
// bytes against the catalog size if any arrived, elapsed time otherwise
func estimate(snap download.Snapshot, approxSize int64, now time.Time) int {
	var frac float64
	switch {
	case approxSize > 0 && snap.BytesDownloaded > 0:
		frac = float64(snap.BytesDownloaded) / float64(approxSize)
	case !snap.StartedAt.IsZero():
		frac = 1 - math.Exp(-now.Sub(snap.StartedAt).Seconds()/estimateTau.Seconds())
	}
	p := int(frac * estimateCap)
	if p < 0 {
		return 0
	}
	if p > estimateCap {
		return estimateCap
	}
	return p
}

func buildView(modelID string, snap download.Snapshot, smp sample, running bool, failure string) ProgressView {
	v := ProgressView{
		ModelID:       modelID,
		Status:        snap.Status,
		Current:       snap.BytesDownloaded,
		Total:         snap.BytesTotal,
		Percentage:    smp.percentage,
		Estimated:     smp.estimated,
		Speed:         formatSpeed(smp.bytesPerSec),
		IsDownloading: running,
		ErrorMessage:  snap.Error,
	}
	if v.ErrorMessage == "" {
		v.ErrorMessage = failure
	}
	v.ETA = formatETA(snap, smp.bytesPerSec)
	v.StatusText = statusText(snap, v.ErrorMessage)
	return v
}

func statusText(snap download.Snapshot, errMsg string) string {
	if snap.CancelRequested && !snap.Status.IsTerminal() {
		return "Cancelling..."
	}
	switch snap.Status {
	case download.StatusNotStarted:
		if errMsg != "" {
			return "Error: " + errMsg
		}
		return "Initializing download..."
	case download.StatusConnecting:
		return "Connecting to server..."
	case download.StatusDownloading:
		if snap.BytesTotal > 0 {
			return fmt.Sprintf("%s / %s", humanize.Bytes(uint64(snap.BytesDownloaded)), humanize.Bytes(uint64(snap.BytesTotal)))
		}
		return humanize.Bytes(uint64(snap.BytesDownloaded))
	case download.StatusVerifying:
		return "Verifying files..."
	case download.StatusComplete:
		return "Download complete"
	case download.StatusCancelled:
		return "Cancelled"
	case download.StatusFailed:
		return "Error: " + errMsg
	default:
		return snap.Status.String()
	}
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 0 {
		bytesPerSec = 0
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

func formatETA(snap download.Snapshot, bytesPerSec float64) string {
	if !snap.Status.IsActive() {
		return zeroETA
	}
	if snap.BytesTotal <= 0 || bytesPerSec <= 0 {
		return unknownETA
	}
	remaining := snap.BytesTotal - snap.BytesDownloaded
	if remaining < 0 {
		remaining = 0
	}
	return formatClock(time.Duration(float64(remaining) / bytesPerSec * float64(time.Second)))
}

// formatClock renders HH:MM:SS; hours are not wrapped at 24
func formatClock(d time.Duration) string {
	secs := int64(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
}
