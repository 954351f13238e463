package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/service"
)

// ProjectSpendHandler lists a project's ledger rows with the running total.
// The ledger is append-only, so the total is simply the sum of cost_usd.
func ProjectSpendHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		page, size := pagination(c)

		total, err := service.ProjectSpend(dbConn, project.ID)
		if err != nil {
			log.Printf("Failed to sum project %d spend: %v", project.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		calls, count, err := service.ListAPICalls(dbConn, project.ID, size, (page-1)*size)
		if err != nil {
			log.Printf("Failed to list API calls for project %d: %v", project.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"total_cost_usd": total,
			"calls": PaginatedResponse{
				Data:  calls,
				Page:  page,
				Size:  size,
				Total: count,
				Pages: int((count + int64(size) - 1) / int64(size)),
			},
		})
	}
}
