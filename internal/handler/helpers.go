package handler

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	appErr "github.com/xxxsen/embedproxy/internal/pkg/errors"
	"github.com/xxxsen/embedproxy/internal/pkg/response"
)

const msgInvalidJSON = "Invalid JSON body"

func handleError(c *gin.Context, err error) {
	response.Error(c, err)
}

// readJSONObject decodes the request body keeping numbers as json.Number so
// forwarded bodies keep their original precision.
func readJSONObject(c *gin.Context) (map[string]any, error) {
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, appErr.Wrap(appErr.ErrInvalid, msgInvalidJSON, err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, appErr.Wrap(appErr.ErrInvalid, msgInvalidJSON, err)
	}
	if body == nil {
		return nil, appErr.BadRequest(msgInvalidJSON)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, appErr.BadRequest(msgInvalidJSON)
	}
	return body, nil
}
