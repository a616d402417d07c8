package observability

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}
var radarIdx = 0

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

// ------------------------------------------------------------
// Utility
// ------------------------------------------------------------

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ------------------------------------------------------------
// TermWriter – a mutex-guarded io.Writer for log output.
// ------------------------------------------------------------

type termWriter struct {
	w io.Writer
}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return tw.w.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
// It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter() io.Writer {
	return termWriter{w: os.Stderr}
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner() {
	fmt.Print("\033[2J\033[H")

	banner := `
    ___  ___ _____ ___   ___ _____ ___  _____   __
   |   \/_\_   _/_\ / __|_   _/ _ \| _ \ \ / /
   | |) / _ \| |/ _ \\__ \ | || (_) |   /\ V /
   |___/_/ \_\_/_/ \_\___/ |_| \___/|_|_\ |_|

        >> SEARCHING FOR THE BEST STORY <<
`

	width := termWidth()
	for _, l := range strings.Split(banner, "\n") {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Scrolling Logs: 12+
	fmt.Print("\033[12;r")
	fmt.Print("\033[12;1H")
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// ------------------------------------------------------------
// Live Status
// ------------------------------------------------------------

// StatusLine renders the dashboard line without terminal control codes.
func StatusLine(s Snapshot, budget int) string {
	detail := s.Detail
	if detail == "" {
		detail = "Waiting..."
	}
	if len(detail) > 25 {
		detail = detail[:22] + "..."
	}
	progress := fmt.Sprintf("%d", s.Iteration)
	if budget > 0 {
		progress = fmt.Sprintf("%d/%d", s.Iteration, budget)
	}
	return fmt.Sprintf("[%s] %-8s | iter %s | best %.2f | %s",
		s.LastHeartbeat.Format("15:04:05"), s.Phase, progress, s.BestReward, detail)
}

func PrintLiveStatus(budget int) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime).Round(time.Second)
	memMB := float64(m.Alloc) / 1024 / 1024
	s := GetStatus()

	phaseColor := colorNeonCyan
	radar := " "
	if s.Phase != PhaseIdle {
		phaseColor = colorNeonMag
		radar = radarFrames[radarIdx]
		radarIdx = (radarIdx + 1) % len(radarFrames)
	}

	// Iteration bar
	barWidth := 20
	filled := 0
	if budget > 0 {
		filled = clamp(int(float64(s.Iteration)/float64(budget)*float64(barWidth)), 0, barWidth)
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled)

	statusStr := fmt.Sprintf(
		"\033[s\033[10;1H\033[K%s%s%s%s %s%s%s [%v] [%s%s%s] [%.1fMB]\033[u",
		colorBold, phaseColor, StatusLine(s, budget), colorReset,
		colorPurple, radar, colorReset,
		uptime,
		colorNeonCyan, bar, colorReset,
		memMB,
	)

	termMu.Lock()
	fmt.Print(statusStr)
	termMu.Unlock()
}
