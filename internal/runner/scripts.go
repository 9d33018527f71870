package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
)

// Script is a collaborator executable the server shells out to.
type Script struct {
	Name string
	Path string
}

// ScriptInfo describes a prepared Script.
type ScriptInfo struct {
	Script
	Mode   os.FileMode
	SHA256 string // lowercase hex
}

// PrepareScripts makes every script executable (the equivalent of chmod +x)
// and fingerprints it. Scripts that cannot be prepared are left out of the
// returned slice and reported in the joined error; the others are still
// prepared.
func PrepareScripts(scripts ...Script) ([]ScriptInfo, error) {
	var infos []ScriptInfo
	var errs []error
	for _, s := range scripts {
		info, err := prepareScript(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s script %s: %w", s.Name, s.Path, err))
			continue
		}
		infos = append(infos, info)
	}
	return infos, errors.Join(errs...)
}

func prepareScript(s Script) (ScriptInfo, error) {
	fi, err := os.Stat(s.Path)
	if err != nil {
		return ScriptInfo{}, err
	}
	if fi.IsDir() {
		return ScriptInfo{}, errors.New("is a directory")
	}
	mode := fi.Mode().Perm()
	if mode&0o111 != 0o111 {
		mode |= 0o111
		if err := os.Chmod(s.Path, mode); err != nil {
			return ScriptInfo{}, fmt.Errorf("make executable: %w", err)
		}
	}
	sum, err := SHA256File(s.Path)
	if err != nil {
		return ScriptInfo{}, fmt.Errorf("hash: %w", err)
	}
	return ScriptInfo{Script: s, Mode: mode, SHA256: sum}, nil
}

func SHA256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
