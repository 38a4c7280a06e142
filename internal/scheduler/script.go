package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// RenderScript assembles the common script body shared by every
// back-end (spec §6.4): shebang, the back-end's resource directives, a
// cd into the submit directory, environment exports, the include-env
// snippet, the software preamble, and the payload — followed by exit
// code capture, the completion signal file, and STDOUT/STDERR routing.
func RenderScript(resourceDirectives string, info ScriptInfo) string {
	var b strings.Builder

	b.WriteString("#!/bin/bash\n")
	if resourceDirectives != "" {
		b.WriteString(resourceDirectives)
		if !strings.HasSuffix(resourceDirectives, "\n") {
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "cd %s\n", info.SubmitDir)

	for _, k := range sortedKeys(info.Environments) {
		fmt.Fprintf(&b, "export %s=%q\n", k, info.Environments[k])
	}

	if info.IncludeEnv != "" {
		b.WriteString(info.IncludeEnv)
		if !strings.HasSuffix(info.IncludeEnv, "\n") {
			b.WriteString("\n")
		}
	}

	if info.SoftwarePreamble != "" {
		b.WriteString(info.SoftwarePreamble)
		if !strings.HasSuffix(info.SoftwarePreamble, "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString(renderPayload(info))
	b.WriteString("\n")

	b.WriteString("ec=$?\n")
	fmt.Fprintf(&b, "echo %s > $SUBMITDIR/.co.sig\n", shellQuoteArg(info.TaskID))
	b.WriteString("exit $ec\n")

	return b.String()
}

func renderPayload(info ScriptInfo) string {
	payload := info.Name
	if len(info.Arguments) > 0 {
		payload += " " + strings.Join(info.Arguments, " ")
	}
	if info.MPI {
		payload = "mpirun -np $SLURM_NPROCS " + payload
	}

	switch {
	case info.StdinText != "":
		return payload + " <<'EOF'\n" + info.StdinText + "\nEOF"
	case info.StdinPath != "":
		return payload + " < " + info.StdinPath
	default:
		return payload
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
