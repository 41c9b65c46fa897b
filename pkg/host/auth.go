/*
Copyright 2018 The Zpoold Authors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package host

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"
)

// FileAuth checks administrative credentials against a local users file: an
// ini file with a [users] section of name = sha256-hex entries. The file is
// re-read on every check so edits take effect immediately.
type FileAuth struct {
	Path string
}

// CheckPassword validates one credential pair.
func (a *FileAuth) CheckPassword(username, password string) error {
	cfg, err := ini.Load(a.Path)
	if err != nil {
		return errors.Wrapf(err, "failed to read users file %q", a.Path)
	}

	key, err := cfg.Section("users").GetKey(username)
	if err != nil {
		return errors.Errorf("unknown user %q", username)
	}

	sum := sha256.Sum256([]byte(password))
	want, err := hex.DecodeString(key.String())
	if err != nil || len(want) != len(sum) {
		return errors.Errorf("malformed password entry for user %q", username)
	}
	if subtle.ConstantTimeCompare(sum[:], want) != 1 {
		return errors.New("password mismatch")
	}
	return nil
}
