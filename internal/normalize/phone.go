// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package normalize

import (
	"fmt"
	"log/slog"
	"strings"
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// Peer is a normalized peer address.
type Peer struct {
	Address    string
	Suspicious bool
}

// NormalizePeer turns a gateway JID or an inbox phone number into a
// digits-only address.
//
// "5511999988881:12@s.whatsapp.net" and "+55 11 99998-8881" both become
// "5511999988881".
func NormalizePeer(raw string, policy PhonePolicy) (Peer, error) {
	addr := strings.TrimSpace(raw)
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	addr = strings.TrimPrefix(addr, "+")
	if addr == "" {
		return Peer{}, ErrMissingPhone
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, addr)

	if len(digits) < minPhoneDigits {
		return Peer{}, fmt.Errorf("%w: %q has %d digits", ErrInvalidPhone, raw, len(digits))
	}

	if len(digits) <= maxPhoneDigits {
		return Peer{Address: digits}, nil
	}

	switch policy {
	case PhoneReject:
		return Peer{}, fmt.Errorf("%w: %q has %d digits", ErrInvalidPhone, raw, len(digits))
	case PhoneTruncate:
		slog.Warn("truncating long phone number",
			"phone", raw,
			"digits", len(digits),
		)
		return Peer{Address: digits[:maxPhoneDigits]}, nil
	default:
		slog.Warn("suspicious phone number (too long), forwarding",
			"phone", raw,
			"digits", len(digits),
		)
		return Peer{Address: digits, Suspicious: true}, nil
	}
}
