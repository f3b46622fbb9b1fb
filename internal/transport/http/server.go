package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"blocksim/internal/backtest"
	"blocksim/internal/dataset"
	"blocksim/internal/report"
	"blocksim/internal/strategy"
)

// Server 暴露块模板、策略校验、回测与数据管理的 HTTP API。
type Server struct {
	addr      string
	registry  *strategy.Registry
	validator *strategy.Validator
	sim       *backtest.Simulator
	data      *dataset.Service
	png       bool
	router    *gin.Engine
}

// Config 描述 HTTP Server 的依赖。Simulator 与 Data 允许为空,
// 对应路由降级为 503, 方便只起一半能力的部署。
type Config struct {
	Addr      string
	Registry  *strategy.Registry
	Simulator *backtest.Simulator
	Data      *dataset.Service
	// EnablePNG 打开 report.png 路由, 依赖本机有可用的 headless Chrome
	EnablePNG bool
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = strategy.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:      cfg.Addr,
		registry:  reg,
		validator: strategy.NewValidator(reg),
		sim:       cfg.Simulator,
		data:      cfg.Data,
		png:       cfg.EnablePNG,
		router:    router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.GET("/blocks", s.handleBlocks)
	api.POST("/strategy/validate", s.handleValidate)

	bt := api.Group("/backtest")
	bt.POST("/runs", s.handleRunStart)
	bt.GET("/runs", s.handleRunList)
	bt.GET("/runs/:id", s.handleRunDetail)
	bt.DELETE("/runs/:id", s.handleRunCancel)
	bt.GET("/runs/:id/trades", s.handleRunTrades)
	bt.GET("/runs/:id/equity", s.handleRunEquity)
	bt.GET("/runs/:id/report", s.handleRunReport)
	bt.GET("/runs/:id/report.png", s.handleRunReportPNG)

	data := api.Group("/data")
	data.POST("/fetch", s.handleFetch)
	data.GET("/fetch/:id", s.handleFetchStatus)
	data.GET("/jobs", s.handleJobs)
	data.GET("/sets", s.handleDatasets)
	data.GET("/manifest", s.handleManifest)
	data.GET("/candles", s.handleCandles)
}

// Handler 暴露底层路由, 供 httptest 直接驱动。
func (s *Server) Handler() http.Handler {
	return s.router
}

type blockTemplate struct {
	Type        strategy.Kind     `json:"type"`
	Category    strategy.Category `json:"category"`
	Description string            `json:"description"`
	Schema      map[string]any    `json:"schema,omitempty"`
}

func (s *Server) handleBlocks(c *gin.Context) {
	snap := s.registry.Snapshot()
	list := make([]blockTemplate, 0, len(snap.Definitions))
	for kind, def := range snap.Definitions {
		list = append(list, blockTemplate{
			Type:        kind,
			Category:    def.Category,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Type < list[j].Type })
	c.JSON(http.StatusOK, gin.H{
		"version":   snap.Version,
		"loaded_at": snap.LoadedAt,
		"blocks":    list,
	})
}

func (s *Server) handleValidate(c *gin.Context) {
	var req struct {
		Blocks []strategy.Block `json:"blocks"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.validator.Validate(req.Blocks))
}

func (s *Server) handleRunStart(c *gin.Context) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return
	}
	var cfg backtest.BacktestConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.sim.StartRun(cfg)
	if err != nil {
		// 策略本身有结构错误时语义上是"请求可解析但无法处理"
		if errors.Is(err, backtest.ErrInvalidStrategy) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *Server) handleRunList(c *gin.Context) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": s.sim.Runs()})
}

func (s *Server) findRun(c *gin.Context) (backtest.Run, bool) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return backtest.Run{}, false
	}
	run, ok := s.sim.GetRun(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在"})
		return backtest.Run{}, false
	}
	return run, true
}

// finishedRun 取已产出结果的 run; 未完成的统一回 409,
// 调用方轮询 /runs/:id 看进度。
func (s *Server) finishedRun(c *gin.Context) (backtest.Run, bool) {
	run, ok := s.findRun(c)
	if !ok {
		return backtest.Run{}, false
	}
	if run.Result == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "run 尚未产出结果, 当前状态 " + run.Status})
		return backtest.Run{}, false
	}
	return run, true
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, ok := s.findRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) handleRunCancel(c *gin.Context) {
	if s.sim == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "模拟器未启用"})
		return
	}
	if !s.sim.CancelRun(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run 不存在或已结束"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

func (s *Server) handleRunTrades(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": run.Result.Trades})
}

func (s *Server) handleRunEquity(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"equity_curve":  run.Result.EquityCurve,
		"daily_returns": run.Result.DailyReturns,
		"metrics":       run.Result.Metrics,
	})
}

func (s *Server) reportInput(run backtest.Run) report.Input {
	return report.Input{
		Symbol:    run.Symbol,
		Timeframe: run.Timeframe,
		Result:    run.Result,
	}
}

func (s *Server) handleRunReport(c *gin.Context) {
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	html, err := report.RenderHTML(s.reportInput(run))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleRunReportPNG(c *gin.Context) {
	if !s.png {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "PNG 渲染未启用"})
		return
	}
	run, ok := s.finishedRun(c)
	if !ok {
		return
	}
	img, err := report.RenderPNG(c.Request.Context(), s.reportInput(run))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `inline; filename="`+img.Filename+`"`)
	c.Data(http.StatusOK, "image/png", img.Bytes)
}

func (s *Server) dataService(c *gin.Context) (*dataset.Service, bool) {
	if s.data == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据服务未启用"})
		return nil, false
	}
	return s.data, true
}

func (s *Server) handleFetch(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	var req struct {
		Exchange  string `json:"exchange"`
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartTS   int64  `json:"start_ts" binding:"required"`
		EndTS     int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := svc.SubmitFetch(dataset.FetchParams{
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.StartTS,
		End:       req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	job, ok := svc.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job 不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": svc.JobsSnapshot()})
}

func (s *Server) handleDatasets(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	sets, err := svc.Datasets(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"datasets": sets})
}

func (s *Server) handleManifest(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	info, err := svc.ManifestInfo(c.Request.Context(), symbol, tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *Server) handleCandles(c *gin.Context) {
	svc, ok := s.dataService(c)
	if !ok {
		return
	}
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, _ := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, _ := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := svc.QueryCandles(c.Request.Context(), symbol, tf, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

// Start 启动 HTTP 服务, 阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
