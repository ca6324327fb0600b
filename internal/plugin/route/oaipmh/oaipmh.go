// Package oaipmh mounts the protocol endpoint and renders engine responses
// as OAI-PMH XML documents.
package oaipmh

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/chirino/oai-service/internal/config"
	"github.com/chirino/oai-service/internal/oai"
	"github.com/chirino/oai-service/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts the OAI-PMH endpoint. The protocol requires both GET
// and form-encoded POST on the same URL.
func MountRoutes(r *gin.Engine, engine *oai.Engine, cfg *config.Config) {
	handler := func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.String(http.StatusBadRequest, "malformed request")
			return
		}
		resp, err := engine.Dispatch(c.Request.Context(), c.Request.Form)
		if err != nil {
			log.Error("Request dispatch failed", "err", err)
			c.String(http.StatusInternalServerError, "internal error")
			return
		}
		code := ""
		if resp.Error != nil {
			code = resp.Error.Code
		}
		telemetry.CountVerb(resp.Verb, code)
		body, err := Render(resp, cfg.BaseURL)
		if err != nil {
			log.Error("Response rendering failed", "err", err)
			c.String(http.StatusInternalServerError, "internal error")
			return
		}
		c.Data(http.StatusOK, "text/xml; charset=utf-8", body)
	}
	r.GET("/oai", handler)
	r.POST("/oai", handler)
}
