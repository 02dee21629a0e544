// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package features

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"swotap/capture/record"
	"swotap/capture/target"
	"swotap/common/helpers"
)

// errorStatus maps an error to an HTTP status code.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownWatch):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidChannel),
		errors.Is(err, ErrInvalidPrescaler),
		errors.Is(err, target.ErrInvalidSize),
		errors.Is(err, target.ErrInvalidComparator):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoTarget),
		errors.Is(err, ErrComparatorInUse),
		errors.Is(err, target.ErrNoComparator):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func replyError(gc *gin.Context, err error) {
	gc.JSON(errorStatus(err), gin.H{"message": err.Error()})
}

type timeSettings struct {
	Mode record.TimeMode `json:"mode"`
}

func (c *Component) getTimeHandlerFunc(gc *gin.Context) {
	gc.JSON(http.StatusOK, timeSettings{Mode: c.TimeMode()})
}

func (c *Component) putTimeHandlerFunc(gc *gin.Context) {
	var input timeSettings
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	if err := c.SetTimeMode(gc.Request.Context(), input.Mode); err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, timeSettings{Mode: c.TimeMode()})
}

type speedSettings struct {
	Prescaler *uint32 `json:"prescaler" binding:"required"`
}

func (c *Component) putSpeedHandlerFunc(gc *gin.Context) {
	var input speedSettings
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	if err := c.SetSpeed(gc.Request.Context(), *input.Prescaler); err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"prescaler": *input.Prescaler})
}

type exceptionSettings struct {
	Enabled bool `json:"enabled"`
}

func (c *Component) putExceptionsHandlerFunc(gc *gin.Context) {
	var input exceptionSettings
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	if err := c.SetExceptionTrace(gc.Request.Context(), input.Enabled); err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, exceptionSettings{Enabled: c.Exceptions()})
}

func (c *Component) stimulusHandler(gc *gin.Context, enabled bool) {
	channel, err := strconv.Atoi(gc.Param("channel"))
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": "Invalid channel."})
		return
	}
	if err := c.setStimulus(gc.Request.Context(), channel, enabled); err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"stimulus": c.Stimulus()})
}

func (c *Component) postStimulusHandlerFunc(gc *gin.Context) {
	c.stimulusHandler(gc, true)
}

func (c *Component) deleteStimulusHandlerFunc(gc *gin.Context) {
	c.stimulusHandler(gc, false)
}

func (c *Component) getWatchesHandlerFunc(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"watches": c.Watches()})
}

func (c *Component) postWatchHandlerFunc(gc *gin.Context) {
	var input Watch
	if err := gc.ShouldBindJSON(&input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	if err := helpers.Validate.Struct(input); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": helpers.Capitalize(err.Error())})
		return
	}
	id, err := c.AddWatch(gc.Request.Context(), input)
	if err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusCreated, gin.H{"id": id})
}

func (c *Component) deleteWatchHandlerFunc(gc *gin.Context) {
	id, err := strconv.Atoi(gc.Param("id"))
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"message": "Invalid watch ID."})
		return
	}
	if err := c.DeleteWatch(gc.Request.Context(), id); err != nil {
		replyError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"watches": c.Watches()})
}
