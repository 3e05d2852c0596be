// Package preview is the display path: an HTTP server that shows the safe
// surface as JPEG stills and an MJPEG stream.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/veil/internal/camera"
	"github.com/andresmejia3/veil/internal/compositor"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

const boundary = "veilframe"

// Compositor is the part of the render loop the preview talks to.
type Compositor interface {
	Surface() *compositor.Surface
	Telemetry() compositor.Telemetry
	SetCoverStyle(types.CoverStyle)
	CoverStyle() types.CoverStyle
}

// Cameras is the session control exposed under /camera. camera.Manager
// satisfies it.
type Cameras interface {
	State() camera.State
	Facing() types.Facing
	Flip(ctx context.Context) (*camera.Session, error)
	EnterInterview(ctx context.Context) (supported bool, err error)
	ExitInterview(ctx context.Context) error
}

// Server serves the preview endpoints.
type Server struct {
	comp    Compositor
	cams    Cameras
	origins []string
	log     *slog.Logger
	quality int
	engine  *gin.Engine
}

// Option customises a Server.
type Option func(*Server)

// WithCameras enables the camera control endpoints.
func WithCameras(c Cameras) Option {
	return func(s *Server) {
		s.cams = c
	}
}

// WithAllowedOrigins lets browser pages on other origins use the API.
// "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// NewServer builds the router. debug enables gin's debug mode.
func NewServer(comp Compositor, log *slog.Logger, debug bool, opts ...Option) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Server{comp: comp, log: log, quality: 80}
	for _, opt := range opts {
		opt(s)
	}

	g := gin.New()
	g.Use(gin.Recovery(), s.requestLog())
	if len(s.origins) > 0 {
		g.Use(s.corsMiddleware())
	}
	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"msg": "not found"})
	})
	g.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	g.GET("/frame.jpg", s.frame)
	// The stream flushes per part, so only the JSON routes are compressed
	g.GET("/stream", s.stream)

	api := g.Group("", gzip.Gzip(gzip.DefaultCompression))
	api.GET("/telemetry", s.telemetry)
	api.GET("/style", s.getStyle)
	api.PUT("/style", s.putStyle)
	if s.cams != nil {
		cam := api.Group("/camera")
		cam.GET("", s.getCamera)
		cam.POST("/flip", s.flip)
		cam.PUT("/interview", s.putInterview)
	}
	s.engine = g
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe runs until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("Preview listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("preview server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "HEAD", "OPTIONS"},
		AllowHeaders:  []string{"Accept", "Content-Length", "Content-Type", "Origin", "Cache-Control"},
		ExposeHeaders: []string{"X-Frame-Seq"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.origins) == 1 && s.origins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cors.New(cfg)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("preview request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// encode renders the current safe frame as JPEG.
func (s *Server) encode() ([]byte, uint64, bool) {
	var (
		buf bytes.Buffer
		seq uint64
		err error
	)
	ok := s.comp.Surface().View(func(img *image.RGBA, n uint64) {
		seq = n
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality})
	})
	if !ok || err != nil {
		return nil, 0, false
	}
	return buf.Bytes(), seq, true
}

func (s *Server) frame(c *gin.Context) {
	data, seq, ok := s.encode()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"msg": "no safe frame yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", fmt.Sprint(seq))
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (s *Server) stream(c *gin.Context) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	var last uint64
	for {
		seq, err := s.comp.Surface().Wait(ctx, last)
		if err != nil {
			return
		}
		last = seq
		data, got, ok := s.encode()
		if !ok {
			continue
		}
		last = max(last, got)
		if _, err := fmt.Fprintf(c.Writer, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data)); err != nil {
			return
		}
		if _, err := c.Writer.Write(append(data, '\r', '\n')); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func (s *Server) telemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.comp.Telemetry())
}

type styleBody struct {
	CoverStyle string `json:"cover_style" binding:"required"`
}

func (s *Server) getStyle(c *gin.Context) {
	c.JSON(http.StatusOK, styleBody{CoverStyle: s.comp.CoverStyle().String()})
}

func (s *Server) putStyle(c *gin.Context) {
	var body styleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	style, err := types.ParseCoverStyle(body.CoverStyle)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}
	s.comp.SetCoverStyle(style)
	s.log.Info("Cover style changed", "style", style)
	c.JSON(http.StatusOK, styleBody{CoverStyle: style.String()})
}

type cameraBody struct {
	State    string `json:"state"`
	Facing   string `json:"facing"`
	SelfView bool   `json:"self_view"`
}

func (s *Server) cameraState() cameraBody {
	st := s.cams.State()
	return cameraBody{
		State:    st.String(),
		Facing:   s.cams.Facing().String(),
		SelfView: st == camera.DualActive,
	}
}

func (s *Server) getCamera(c *gin.Context) {
	c.JSON(http.StatusOK, s.cameraState())
}

func (s *Server) flip(c *gin.Context) {
	if _, err := s.cams.Flip(c.Request.Context()); err != nil {
		c.JSON(cameraStatus(err), gin.H{"msg": err.Error()})
		return
	}
	s.log.Info("Scene camera flipped", "facing", s.cams.Facing())
	c.JSON(http.StatusOK, s.cameraState())
}

type interviewBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) putInterview(c *gin.Context) {
	var body interviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
		return
	}

	var err error
	if *body.Enabled {
		var supported bool
		supported, err = s.cams.EnterInterview(c.Request.Context())
		if err == nil && !supported {
			// Still a success: the scene keeps running full-frame
			s.log.Warn("Self camera unavailable, interview running without picture-in-picture")
		}
	} else {
		err = s.cams.ExitInterview(c.Request.Context())
	}
	if err != nil {
		c.JSON(cameraStatus(err), gin.H{"msg": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.cameraState())
}

func cameraStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusConflict
}
