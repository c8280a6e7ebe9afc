package launcher

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ProcInfo is one process found by a scan.
type ProcInfo struct {
	PID     int
	Name    string
	Cmdline string
}

// Scanner finds and kills browser processes regardless of parentage.
type Scanner interface {
	FindByPort(port int) ([]ProcInfo, error)
	Kill(pid int) error
}

// ProcessScanner lists processes with ps, or wmic on Windows.
type ProcessScanner struct {
	Runner CommandRunner
}

func NewProcessScanner(runner CommandRunner) *ProcessScanner {
	if runner == nil {
		runner = DefaultCommandRunner{}
	}
	return &ProcessScanner{Runner: runner}
}

// FindByPort returns chrome processes started with
// --remote-debugging-port=<port>.
func (s *ProcessScanner) FindByPort(port int) ([]ProcInfo, error) {
	procs, err := s.list()
	if err != nil {
		return nil, err
	}
	return filterByPort(procs, port), nil
}

// Kill terminates pid.
func (s *ProcessScanner) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (s *ProcessScanner) list() ([]ProcInfo, error) {
	if runtime.GOOS == "windows" {
		out, err := s.Runner.Run("wmic", "process", "where", "name='chrome.exe'", "get", "ProcessId,CommandLine", "/format:csv")
		if err != nil {
			return nil, err
		}
		return parseWMIC(out), nil
	}
	out, err := s.Runner.Run("ps", "-eo", "pid=,comm=,args=")
	if err != nil {
		return nil, err
	}
	return parsePS(out), nil
}

func parsePS(out []byte) []ProcInfo {
	var procs []ProcInfo
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, ProcInfo{
			PID:     pid,
			Name:    fields[1],
			Cmdline: strings.Join(fields[2:], " "),
		})
	}
	return procs
}

// parseWMIC reads "Node,CommandLine,ProcessId" rows.
func parseWMIC(out []byte) []ProcInfo {
	r := csv.NewReader(bytes.NewReader(bytes.ReplaceAll(out, []byte("\r"), nil)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil
	}
	var procs []ProcInfo
	for _, rec := range records {
		if len(rec) < 3 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(rec[len(rec)-1]))
		if err != nil {
			continue
		}
		cmdline := strings.Join(rec[1:len(rec)-1], ",")
		procs = append(procs, ProcInfo{PID: pid, Name: "chrome.exe", Cmdline: cmdline})
	}
	return procs
}

func filterByPort(procs []ProcInfo, port int) []ProcInfo {
	flag := "--remote-debugging-port=" + strconv.Itoa(port)
	var out []ProcInfo
	for _, p := range procs {
		if !isChromeName(p.Name) {
			continue
		}
		for _, arg := range strings.Fields(p.Cmdline) {
			if arg == flag {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func isChromeName(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	return base == "chrome" || base == "chrome.exe"
}
