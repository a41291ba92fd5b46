package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/DominicWuest/bugmon/pkg/bugmon"
)

type httpServer struct {
	ids     chan<- int
	reports <-chan bugmon.PassReport
}

func (h *httpServer) Init(port int, ids chan<- int, reports <-chan bugmon.PassReport) error {
	h.ids = ids
	h.reports = reports

	router := gin.Default()

	router.POST("/bugs/:bugId", h.postBug)
	router.GET("/report", h.getReport)

	go router.Run(fmt.Sprintf("localhost:%d", port))
	return nil
}

type passReportResponse struct {
	BugID int `json:"bugId"`

	State      string `json:"state"`
	TipVerdict string `json:"tipVerdict"`

	Comment      string `json:"comment,omitempty"`
	Status       string `json:"status,omitempty"`
	Inconclusive bool   `json:"inconclusive"`

	LastGood string `json:"lastGood,omitempty"`
	FirstBad string `json:"firstBad,omitempty"`

	Error string `json:"error,omitempty"`
}

func (h *httpServer) postBug(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("bugId"))
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	h.ids <- id
	c.AbortWithStatus(http.StatusAccepted)
}

func (h *httpServer) getReport(c *gin.Context) {
	report, ok := <-h.reports
	if !ok {
		c.AbortWithStatus(http.StatusGone)
		return
	}

	response := passReportResponse{
		BugID: report.BugID,

		State:      report.State.String(),
		TipVerdict: report.TipVerdict.String(),

		Comment:      report.Comment,
		Status:       report.Status,
		Inconclusive: report.Inconclusive,
	}
	if report.Result != nil {
		response.LastGood = report.Result.LastGood.Revision
		response.FirstBad = report.Result.FirstBad.Revision
	}
	if report.Err != nil {
		response.Error = report.Err.Error()
	}

	c.JSON(http.StatusOK, response)
}
