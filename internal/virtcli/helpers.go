package virtcli

import (
	"bufio"
	"os"
	"os/exec"
)

// streamCombined runs cmd, calling onLine for every line of combined
// stdout+stderr as it arrives ( "stream output").
func streamCombined(cmd *exec.Cmd, onLine func(string)) error {
	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return err
	}

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		close(done)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done
	pr.Close()
	return waitErr
}

func removeTemp(path string) { os.Remove(path) }

// writeTempXML writes domain XML to a temp file, mirroring
// original_source/virsh_client.py's defineXML tempfile usage.
func writeTempXML(xmlContent string) (string, error) {
	f, err := os.CreateTemp("", "cyris-domain-*.xml")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(xmlContent); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
