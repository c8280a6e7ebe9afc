package launcher

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// brandPrefixes are accepted at the start of `<path> --version` output.
var brandPrefixes = []string{"Google Chrome", "Chromium", "HeadlessChrome"}

// FindChrome locates the browser executable. An explicit path wins; then
// PATH and the OS-specific install locations are tried. Off Windows each
// candidate must also pass the --version brand probe.
func FindChrome(explicit string, runner CommandRunner) (string, error) {
	if runner == nil {
		runner = DefaultCommandRunner{}
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &ConfigError{Field: "chrome_path", Reason: "not found: " + explicit}
		}
		if !versionProbe(runner, explicit) {
			return "", &ConfigError{Field: "chrome_path", Reason: "not a Chrome executable: " + explicit}
		}
		return explicit, nil
	}

	for _, p := range candidates() {
		if versionProbe(runner, p) {
			return p, nil
		}
	}
	return "", &ConfigError{Field: "chrome_path", Reason: "Chrome not found"}
}

func candidates() []string {
	var out []string
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if path, err := exec.LookPath(name); err == nil {
			out = append(out, path)
		}
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	case "linux":
		paths = []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/snap/bin/chromium",
			"/opt/google/chrome/chrome",
		}
	case "windows":
		paths = []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			paths = append(paths, filepath.Join(local, `Google\Chrome\Application\chrome.exe`))
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// versionProbe is skipped on Windows, where chrome.exe --version opens a
// window instead of printing.
func versionProbe(runner CommandRunner, path string) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	out, err := runner.Run(path, "--version")
	if err != nil {
		return false
	}
	return hasBrand(string(out))
}

func hasBrand(out string) bool {
	out = strings.TrimSpace(out)
	for _, b := range brandPrefixes {
		if strings.HasPrefix(out, b) {
			return true
		}
	}
	return false
}
