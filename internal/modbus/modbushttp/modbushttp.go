// Package modbushttp tunnels RTU frames through the simulator's /api/send
// endpoint.
package modbushttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/goburrow/modbus"
)

type SendResponse struct {
	ADUResponse []byte
	Error       string
}

type Client struct {
	*modbus.RTUClientHandler

	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, slaveID byte) *Client {
	handler := modbus.NewRTUClientHandler("/dev/null")
	handler.SlaveId = slaveID
	return &Client{
		RTUClientHandler: handler,
		baseURL:          baseURL,
		http:             http.DefaultClient,
	}
}

func (c *Client) Send(aduRequest []byte) ([]byte, error) {
	resp, err := c.http.Post(c.baseURL, "application/octet-stream", bytes.NewReader(aduRequest))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("bad status code: %s\n%s", resp.Status, string(body))
	}
	var sendResponse SendResponse
	if err := json.Unmarshal(body, &sendResponse); err != nil {
		return nil, err
	}
	if sendResponse.Error != "" {
		err = errors.New(sendResponse.Error)
	}
	return sendResponse.ADUResponse, err
}

func (c *Client) Connect() error {
	return nil
}

func (c *Client) Close() error {
	return nil
}
