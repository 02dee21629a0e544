// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"swotap/common/helpers"
)

func (c *Component) getGateHandlerFunc(gc *gin.Context) {
	gc.JSON(http.StatusOK, c.State())
}

type gateSettings struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (c *Component) putGateHandlerFunc(gc *gin.Context) {
	var input gateSettings
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	c.SetEnabled(*input.Enabled)
	gc.JSON(http.StatusOK, c.State())
}
