// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package eventlog

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type logSettings struct {
	File *string `json:"file"`
	Echo *bool   `json:"echo"`
}

func (c *Component) getLogHandlerFunc(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{
		"file": c.File(),
		"echo": c.Echo(),
	})
}

func (c *Component) putLogHandlerFunc(gc *gin.Context) {
	var settings logSettings
	if err := gc.ShouldBindJSON(&settings); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if settings.Echo != nil {
		c.SetEcho(*settings.Echo)
	}
	if settings.File != nil {
		if err := c.SetFile(*settings.File); err != nil {
			gc.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
			return
		}
	}
	c.getLogHandlerFunc(gc)
}
