package deploy

import (
	"path"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Operation names one remote action of a deployment.
type Operation string

const (
	OpStopManaged     Operation = "stop-managed-processes"
	OpRemovePath      Operation = "remove-path"
	OpUploadTree      Operation = "upload-tree"
	OpRemoveAutostart Operation = "remove-autostart-entries"
	OpAddAutostart    Operation = "add-autostart-entry"
	OpSyncDisks       Operation = "sync-disks"
	OpLaunch          Operation = "launch-and-stream"
)

// ExecutableMode is applied to the entry executable after upload.
const ExecutableMode = 0o755

// markerPattern matches the marker in a process command line without
// matching the shell that runs the pattern itself.
func markerPattern() string {
	return "[" + ManagedMarker[:1] + "]" + ManagedMarker[1:]
}

func stopCommand() string {
	return "pkill -9 -f -- " + shellescape.Quote(markerPattern())
}

func removeCommand(remotePath string) string {
	return "rm -Rf " + shellescape.Quote(remotePath)
}

func removeAutostartCommand(file string) string {
	f := shellescape.Quote(file)
	return "test ! -f " + f + " || sed -i " + shellescape.Quote("/"+ManagedMarker+"/d") + " " + f
}

// launchLine is the artifact invocation shared by direct launches and autostart.
func launchLine(t Target) string {
	return shellescape.Quote(t.Executable()) + " " + ManagedMarker
}

// AutostartEntry is the line written to the autostart file for t.
func AutostartEntry(cfg HostConfig, t Target) string {
	if cfg.Logging {
		// lxsession splits on spaces and has no redirection, so the logging
		// variant goes through a helper script.
		return cfg.autostartScript() + " " + ManagedMarker
	}
	return launchLine(t)
}

func addAutostartCommand(cfg HostConfig, t Target) string {
	file := cfg.autostartFile()
	dirs := []string{shellescape.Quote(path.Dir(file))}

	var b strings.Builder
	if cfg.Logging {
		script := cfg.autostartScript()
		if d := path.Dir(script); d != path.Dir(file) {
			dirs = append(dirs, shellescape.Quote(d))
		}
		b.WriteString("mkdir -p " + strings.Join(dirs, " ") + " && ")
		body := launchLine(t) + " >>" + shellescape.Quote(t.LogFile()) + " 2>&1"
		b.WriteString(`printf '%s\n' '#!/bin/sh' ` + shellescape.Quote(body) + " > " + shellescape.Quote(script))
		b.WriteString(" && chmod a+x " + shellescape.Quote(script) + " && ")
	} else {
		b.WriteString("mkdir -p " + strings.Join(dirs, " ") + " && ")
	}
	b.WriteString(`printf '%s\n' ` + shellescape.Quote(AutostartEntry(cfg, t)) + " >> " + shellescape.Quote(file))
	return b.String()
}

func launchCommand(cfg HostConfig, t Target) string {
	return "DISPLAY=" + shellescape.Quote(cfg.display()) + " " + launchLine(t)
}

func syncCommand() string {
	return "sync"
}
