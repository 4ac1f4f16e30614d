package handler

import (
	"bytes"
	"encoding/base64"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"dropout-advisor/internal/models"
	"dropout-advisor/internal/service"
)

var templateFuncs = template.FuncMap{
	"same": strings.EqualFold,
}

const (
	tabSingle = "single"
	tabBatch  = "batch"
)

type pageData struct {
	Title             string
	CGPACalculatorURL string
	Tab               string
	Form              map[string]string
	Error             string
	Result            *singleView
	Batch             *batchView
	SampleHeader      []string
	SampleRows        [][]string
	Providers         []map[string]interface{}
}

type singleView struct {
	StudentID   string
	RiskMessage string
	High        bool
	RiskPercent string
	Advice      string
	AdviceError string
}

type batchView struct {
	Header           []string
	Rows             [][]string
	Total            int
	Scored           int
	Quarantined      int
	AdvisoryFailures int
	DownloadURI      template.URL
	Filename         string
}

func (h *Handler) page(tab string) *pageData {
	p := &pageData{
		Title:             h.opts.UI.Title,
		CGPACalculatorURL: h.opts.UI.CGPACalculatorURL,
		Tab:               tab,
		Form:              map[string]string{},
	}

	if h.sample != nil {
		p.SampleHeader = h.sample.Header
		n := h.opts.UI.SampleRows
		if n <= 0 || n > h.sample.Len() {
			n = h.sample.Len()
		}
		p.SampleRows = h.sample.Rows[:n]
	}
	if h.opts.UI.ShowProviderDetails && h.opts.Providers != nil {
		p.Providers = h.opts.Providers.GetProvidersInfo()
	}
	return p
}

func (h *Handler) render(c *gin.Context, status int, p *pageData) {
	c.HTML(status, "index.html", p)
}

// Index renders the form and upload page
func (h *Handler) Index(c *gin.Context) {
	tab := tabSingle
	if c.Query("tab") == tabBatch {
		tab = tabBatch
	}
	h.render(c, http.StatusOK, h.page(tab))
}

// PredictForm scores the submitted form and renders the result
func (h *Handler) PredictForm(c *gin.Context) {
	p := h.page(tabSingle)

	if err := c.Request.ParseForm(); err != nil {
		p.Error = "could not read the submitted form"
		h.render(c, http.StatusBadRequest, p)
		return
	}
	for key, vals := range c.Request.PostForm {
		if len(vals) > 0 {
			p.Form[key] = vals[0]
		}
	}

	res, err := h.predictor.PredictValues(c.Request.Context(), p.Form)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Form prediction failed", zap.Error(err))
		}
		p.Error = errorMessage(err)
		h.render(c, status, p)
		return
	}

	p.Result = &singleView{
		StudentID:   res.Record.StudentID,
		RiskMessage: riskMessage(res.Prediction),
		High:        res.Prediction.RiskLabel == models.RiskHigh,
		RiskPercent: strconv.FormatFloat(res.Prediction.RiskScore, 'f', 2, 64),
		Advice:      res.Advisory.Text,
		AdviceError: res.Advisory.ErrorMessage,
	}
	h.render(c, http.StatusOK, p)
}

// BatchForm scores an uploaded CSV and renders the table with a download link
func (h *Handler) BatchForm(c *gin.Context) {
	p := h.page(tabBatch)

	file, err := h.openUpload(c)
	if err != nil {
		p.Error = errorMessage(err)
		h.render(c, statusFor(err), p)
		return
	}
	defer file.Close()

	res, err := h.predictor.PredictBatch(c.Request.Context(), file)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Batch upload failed", zap.Error(err))
		}
		p.Error = errorMessage(err)
		h.render(c, status, p)
		return
	}

	var buf bytes.Buffer
	if err := service.WriteCSV(&buf, res); err != nil {
		h.logger.Error("Failed to write export", zap.Error(err))
		p.Error = "export failed"
		h.render(c, http.StatusInternalServerError, p)
		return
	}

	p.Batch = &batchView{
		Header:           service.ExportHeader(res),
		Rows:             service.ExportRecords(res),
		Total:            res.Total,
		Scored:           res.Scored,
		Quarantined:      res.Quarantined,
		AdvisoryFailures: res.AdvisoryFailures,
		DownloadURI:      template.URL("data:text/csv;charset=utf-8;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())),
		Filename:         service.ExportFilename,
	}
	h.render(c, http.StatusOK, p)
}
