// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (c *Component) statusHandlerFunc(gc *gin.Context) {
	gc.JSON(http.StatusOK, c.Status())
}

func (c *Component) pauseHandlerFunc(gc *gin.Context) {
	c.Pause()
	gc.JSON(http.StatusOK, c.Status())
}

func (c *Component) resumeHandlerFunc(gc *gin.Context) {
	c.Resume()
	gc.JSON(http.StatusOK, c.Status())
}

type rawFileInput struct {
	Path string `json:"path"`
}

func (c *Component) rawFileHandlerFunc(gc *gin.Context) {
	var input rawFileInput
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := c.SetRawFile(input.Path); err != nil {
		gc.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	gc.JSON(http.StatusOK, c.Status())
}
