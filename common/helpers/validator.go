// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package helpers

import (
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Validate is a validator instance to be used everywhere.
var Validate *validator.Validate

// splitHostPort checks a <dns>:<port> combination and returns the host.
func splitHostPort(val string) (string, bool) {
	host, port, err := net.SplitHostPort(val)
	if err != nil {
		return "", false
	}
	if portNum, err := strconv.ParseUint(port, 10, 16); err != nil || portNum > 65535 {
		return "", false
	}
	if host != "" && Validate.Var(host, "hostname_rfc1123") != nil {
		return "", false
	}
	return host, true
}

// isListen validates an address to listen to. The host may be empty.
func isListen(fl validator.FieldLevel) bool {
	_, ok := splitHostPort(fl.Field().String())
	return ok
}

// isDial validates an address to connect to. The host is mandatory.
func isDial(fl validator.FieldLevel) bool {
	host, ok := splitHostPort(fl.Field().String())
	return ok && host != ""
}

func init() {
	Validate = validator.New()
	Validate.RegisterValidation("listen", isListen)
	Validate.RegisterValidation("dial", isDial)
}
