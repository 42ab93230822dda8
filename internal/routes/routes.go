package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/psrpipe/pipeline/internal/controllers"
	"github.com/psrpipe/pipeline/internal/middleware"
	"github.com/psrpipe/pipeline/internal/models"
	"github.com/psrpipe/pipeline/internal/store"
)

// SetupRoutes configures the review API.
func SetupRoutes(r *gin.Engine, db *gorm.DB, resolver controllers.CalReattempter) {
	st := store.New(db)

	authController := controllers.NewAuthController(db)
	reviewController := controllers.NewReviewController(st, resolver)

	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", authController.Login)
		}

		protected := api.Group("/")
		protected.Use(middleware.AuthMiddleware())
		{
			protected.POST("/auth/refresh", authController.RefreshToken)
			protected.POST("/auth/password", authController.ChangePassword)

			files := protected.Group("/files")
			{
				files.GET("/pending", reviewController.GetPendingFiles)
				files.GET("/:id", reviewController.GetFile)
				files.POST("/:id/qc",
					middleware.RequireRole(models.RoleReviewer),
					reviewController.SetVerdict)
			}

			caldbs := protected.Group("/caldbs")
			{
				caldbs.GET("", reviewController.GetCaldbs)
				caldbs.POST("/:source/reattempt",
					middleware.RequireRole(),
					reviewController.ReattemptCalibration)
			}

			protected.GET("/status", reviewController.GetStatus)
		}
	}
}
