/*
Copyright 2024 Carenote Authors.

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

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	model2 "github.com/carenote/carenote/api/model"
)

// ChunkHashHeader carries the hex SHA-256 of a chunk body.
const ChunkHashHeader = "X-Chunk-Hash"

func (a Api) StartUpload(c *gin.Context) {
	var req model2.StartUpload
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidInput(c, err)
		return
	}
	if err := req.ValidateStartUpload(); err != nil {
		invalidInput(c, err)
		return
	}

	session, err := a.carenote.StartUpload(c.Request.Context(), req.ToUploadSession())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

// GetUpload reports which byte ranges of a session the server holds, so a
// reconnecting device knows where to resume.
func (a Api) GetUpload(c *gin.Context) {
	ack, err := a.carenote.ResumeUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (a Api) PutChunk(c *gin.Context) {
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil || offset < 0 {
		invalidInput(c, errors.New("offset must be a non-negative integer"))
		return
	}
	hash := c.GetHeader(ChunkHashHeader)
	if hash == "" {
		invalidInput(c, errors.New(ChunkHashHeader+" header is required"))
		return
	}

	body := c.Request.Body
	if max := a.conf.Upload.MaxChunkBytes; max > 0 {
		// One byte over the limit is enough for PutChunk to reject the chunk.
		body = http.MaxBytesReader(c.Writer, body, max+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		invalidInput(c, errors.New("chunk exceeds the maximum chunk size"))
		return
	}

	ack, err := a.carenote.PutChunk(c.Request.Context(), c.Param("id"), offset, data, hash)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (a Api) FinalizeUpload(c *gin.Context) {
	result, err := a.carenote.FinalizeUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SweepUploads destroys abandoned upload sessions on demand.
func (a Api) SweepUploads(c *gin.Context) {
	swept, err := a.carenote.SweepUploads(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": swept})
}
