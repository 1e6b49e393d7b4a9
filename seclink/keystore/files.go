package keystore

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/phcnguyen/seclink/seclink/identity"
)

const (
	privateMode os.FileMode = 0o600
	publicMode  os.FileMode = 0o644
	dirMode     os.FileMode = 0o700
)

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func load(paths Paths) (identity.KeyPair, error) {
	privPEM, err := os.ReadFile(paths.Private)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "read", Path: paths.Private, Err: err}
	}
	priv, err := identity.DecodePrivateKey(privPEM)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "decode", Path: paths.Private, Err: err}
	}
	pubPEM, err := os.ReadFile(paths.Public)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "read", Path: paths.Public, Err: err}
	}
	pub, err := identity.DecodePublicKey(pubPEM)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "decode", Path: paths.Public, Err: err}
	}
	kp, err := identity.NewKeyPair(pub, priv)
	if err != nil {
		return identity.KeyPair{}, &KeyIOError{Op: "verify", Path: paths.Public, Err: err}
	}
	return kp, nil
}

// persist stages both files next to their targets and renames them into
// place. If the second rename fails the first is undone, so a crash or error
// never leaves exactly one fresh key file behind.
func persist(paths Paths, kp identity.KeyPair) error {
	for _, p := range []string{paths.Private, paths.Public} {
		if err := os.MkdirAll(filepath.Dir(p), dirMode); err != nil {
			return &KeyIOError{Op: "mkdir", Path: filepath.Dir(p), Err: err}
		}
	}

	privTmp, err := stage(paths.Private, identity.EncodePrivateKey(kp.PrivateKey), privateMode)
	if err != nil {
		return &KeyIOError{Op: "write", Path: paths.Private, Err: err}
	}
	defer func() { _ = os.Remove(privTmp) }()

	pubTmp, err := stage(paths.Public, identity.EncodePublicKey(kp.PublicKey), publicMode)
	if err != nil {
		return &KeyIOError{Op: "write", Path: paths.Public, Err: err}
	}
	defer func() { _ = os.Remove(pubTmp) }()

	if err := os.Rename(privTmp, paths.Private); err != nil {
		return &KeyIOError{Op: "rename", Path: paths.Private, Err: err}
	}
	if err := os.Rename(pubTmp, paths.Public); err != nil {
		_ = os.Remove(paths.Private)
		return &KeyIOError{Op: "rename", Path: paths.Public, Err: err}
	}
	return nil
}

// stage writes b to a temp file beside path and returns the temp name.
func stage(path string, b []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}
