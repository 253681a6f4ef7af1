package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v2"

	"github.com/dougsko/hiqsdr/pkg/hardware"
	"github.com/dougsko/hiqsdr/pkg/logging"
	"github.com/dougsko/hiqsdr/pkg/protocol"
)

// errorStatus maps validation failures to 400 and everything else to 500
func errorStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrInvalidArgument),
		errors.Is(err, protocol.ErrUnknownMode),
		errors.Is(err, protocol.ErrUnsupportedFeature),
		errors.Is(err, protocol.ErrUnsupportedVersion):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, hardware.ErrStreamClosed), errors.Is(err, hardware.ErrDeviceNotOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// handleGetStatus returns daemon status via socket
func (d *SDRDaemon) handleGetStatus(c *gin.Context) {
	status, err := d.socketClient.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleGetConfig returns the device configuration via socket
func (d *SDRDaemon) handleGetConfig(c *gin.Context) {
	settings, err := d.socketClient.GetSettings()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleSetConfig applies a partial configuration update. Either every field
// is applied or none is.
func (d *SDRDaemon) handleSetConfig(c *gin.Context) {
	var changes hardware.Changes
	if err := c.ShouldBindJSON(&changes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := d.coreEngine.ApplySettings(changes)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleSyncConfig sends the configuration and waits for the device echo
func (d *SDRDaemon) handleSyncConfig(c *gin.Context) {
	settings, err := d.coreEngine.SyncConfig(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"consistent": settings.Consistent,
		"settings":   settings,
	})
}

// handleSetFrequency tunes the receiver via socket
func (d *SDRDaemon) handleSetFrequency(c *gin.Context) {
	var req struct {
		Frequency int64 `json:"frequency" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := d.socketClient.SetFrequency(req.Frequency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"frequency": settings.RxFrequency,
	})
}

func (d *SDRDaemon) handleSetSampleRate(c *gin.Context) {
	var req struct {
		SampleRate int `json:"sample_rate" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := d.coreEngine.ApplySettings(hardware.Changes{SampleRate: &req.SampleRate})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sample_rate": settings.SampleRate,
		"rx_control":  settings.RxControl,
	})
}

func (d *SDRDaemon) setStreaming(c *gin.Context, on bool) {
	if err := d.coreEngine.SetStreaming(on); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": d.coreEngine.Status().StreamState})
}

func (d *SDRDaemon) handleRxOn(c *gin.Context) {
	d.setStreaming(c, true)
}

func (d *SDRDaemon) handleRxOff(c *gin.Context) {
	d.setStreaming(c, false)
}

// handleGetStats returns stream, control, monitor and journal counters
func (d *SDRDaemon) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.coreEngine.Stats())
}

// handleGetEvents returns journaled events, newest limit or those after since
func (d *SDRDaemon) handleGetEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		limit = 50
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}

	events, err := d.coreEngine.Events(limit, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleGetSpectrum returns the latest level and spectrum readings
func (d *SDRDaemon) handleGetSpectrum(c *gin.Context) {
	m := d.coreEngine.Monitor()
	c.JSON(http.StatusOK, gin.H{
		"monitoring": m.IsRunning(),
		"data":       m.GetVisualizationData(),
	})
}

// handleGetSettings renders the running daemon configuration as YAML
func (d *SDRDaemon) handleGetSettings(c *gin.Context) {
	out, err := yaml.Marshal(d.config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/x-yaml", out)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// watchClose cancels the returned context once the peer goes away
func watchClose(parent context.Context, conn *websocket.Conn) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return ctx, cancel
}

// handleSamplesWebSocket relays raw sample datagrams as binary messages. The
// client gets at most depth datagrams in flight; slow clients lose datagrams
// rather than holding pool buffers.
func (d *SDRDaemon) handleSamplesWebSocket(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "32"))
	if err != nil || depth < 1 {
		depth = 32
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("web", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := hardware.NewChannelSubscriber(depth)
	if _, err := d.coreEngine.Subscribe(sub); err != nil {
		conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer sub.Cancel()

	ctx, cancel := watchClose(d.ctx, conn)
	defer cancel()

	logging.Info("web", "sample client connected")
	for {
		buf, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
			}
			logging.Infof("web", "sample client done: %v", err)
			return
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err = conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
		sub.Ack(buf)
		if err != nil {
			logging.Infof("web", "sample client write error: %v", err)
			return
		}
	}
}

// handleSpectrumWebSocket pushes level and spectrum readings at 10Hz
func (d *SDRDaemon) handleSpectrumWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("web", "WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := watchClose(d.ctx, conn)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	m := d.coreEngine.Monitor()
	for {
		select {
		case <-ticker.C:
			data := m.GetVisualizationData()
			if err := conn.WriteJSON(gin.H{
				"type":             "spectrum",
				"timestamp":        data.SpectrumData.Timestamp,
				"sample_rate":      data.SampleRate,
				"center_frequency": data.CenterFrequency,
				"rms":              data.RMSLevel,
				"peak":             data.PeakLevel,
				"clipping":         data.Clipping,
				"spectrum": gin.H{
					"bins":      data.Spectrum,
					"freq_step": data.FreqStep,
				},
			}); err != nil {
				logging.Infof("web", "spectrum client write error: %v", err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
