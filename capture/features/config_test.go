// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package features

import (
	"testing"

	"github.com/gin-gonic/gin"

	"swotap/capture/record"
	"swotap/common/helpers"
)

func TestDefaultConfiguration(t *testing.T) {
	if err := helpers.Validate.Struct(DefaultConfiguration()); err != nil {
		t.Fatalf("validate.Struct() error:\n%+v", err)
	}
}

func TestConfigurationDecode(t *testing.T) {
	comparator := 2
	helpers.TestConfigurationDecode(t, helpers.ConfigurationDecodeCases{
		{
			Description: "full",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{
					"time-mode":  "host",
					"exceptions": true,
					"stimulus":   []int{0, 1, 31},
					"watches": []gin.H{
						{"name": "counter", "address": 0x20000000, "pc": true},
						{"name": "state", "address": 0x20000010, "size": 1, "comparator": 2},
					},
				}
			},
			Expected: Configuration{
				TimeMode:   record.TimeHost,
				Exceptions: true,
				Stimulus:   []int{0, 1, 31},
				Watches: []Watch{
					{Name: "counter", Address: 0x20000000, PC: true},
					{Name: "state", Address: 0x20000010, Size: 1, Comparator: &comparator},
				},
			},
		}, {
			Description: "invalid time mode",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{"time-mode": "later"}
			},
			Error: true,
		}, {
			Description: "invalid stimulus",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{"stimulus": []int{32}}
			},
			Error: true,
		}, {
			Description: "watch without name",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{"watches": []gin.H{{"address": 0x20000000}}}
			},
			Error: true,
		}, {
			Description: "watch with invalid size",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{"watches": []gin.H{{"name": "x", "size": 3}}}
			},
			Error: true,
		}, {
			Description: "watch with invalid comparator",
			Pos:         helpers.Mark(),
			Initial:     func() any { return DefaultConfiguration() },
			Configuration: func() any {
				return gin.H{"watches": []gin.H{{"name": "x", "comparator": 4}}}
			},
			Error: true,
		},
	})
}
