// Package tracker serves the browser snippet that posts events to /api/track.
package tracker

import (
	_ "embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

//go:embed tracker.js
var script []byte

// Script returns the embedded tracker source.
func Script() []byte { return script }

// Handler serves GET /tracker.js.
func Handler(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", script)
}
