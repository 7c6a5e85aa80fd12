package main

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-liquidity/internal/auth"
	"github.com/ksred/klear-liquidity/internal/balance"
	"github.com/ksred/klear-liquidity/internal/events"
	"github.com/ksred/klear-liquidity/internal/graph"
	"github.com/ksred/klear-liquidity/internal/override"
	"github.com/ksred/klear-liquidity/internal/pipeline"
	"github.com/ksred/klear-liquidity/internal/rule"
	"github.com/ksred/klear-liquidity/pkg/middleware"
)

type handlers struct {
	auth      *auth.GinHandlers
	graph     *graph.GinHandlers
	rules     *rule.GinHandlers
	balances  *balance.GinHandlers
	pipelines *pipeline.GinHandlers
	overrides *override.GinHandlers
	events    *events.Hub
}

func setupRoutes(router *gin.Engine, tokens middleware.TokenValidator, h handlers) {
	// Apply rate limiting globally
	router.Use(middleware.RateLimit())

	// Public routes
	router.POST("/api/v1/auth/token", h.auth.GenerateTokenHandler())

	// Operator routes
	api := router.Group("/api/v1")
	api.Use(middleware.JWTAuth(tokens))
	{
		read := api.Group("")
		read.Use(middleware.RequirePermission(auth.PermissionRead))
		{
			read.GET("/actions", h.graph.ListActionsHandler())
			read.GET("/actions/:action_id", h.graph.GetActionHandler())
			read.GET("/rules", h.rules.ListRulesHandler())
			read.GET("/rules/:rule_id", h.rules.GetRuleHandler())
			read.GET("/balances", h.balances.ListBalancesHandler())
			read.GET("/pipelines", h.pipelines.ListPipelinesHandler())
			read.GET("/pipelines/:pipeline_id", h.pipelines.GetPipelineHandler())
			read.GET("/pipelines/:pipeline_id/orders", h.pipelines.ListOrdersHandler())
			read.GET("/pipelines/:pipeline_id/graph", h.pipelines.GetGraphHandler())
			read.GET("/events/ws", h.events.StreamHandler())
		}

		author := api.Group("")
		author.Use(middleware.RequirePermission(auth.PermissionAuthor))
		{
			author.POST("/actions", h.graph.CreateActionHandler())
			author.POST("/actions/chain", h.graph.CreateChainHandler())
			author.PUT("/actions/:action_id", h.graph.UpdateActionHandler())
			author.POST("/rules", h.rules.CreateRuleHandler())
			author.PUT("/rules/:rule_id", h.rules.UpdateRuleHandler())
			author.POST("/rules/:rule_id/deactivate", h.rules.DeactivateRuleHandler())
			author.POST("/rules/:rule_id/reactivate", h.rules.ReactivateRuleHandler())
		}
	}

	// Balance collectors and connector webhooks
	internal := router.Group("/api/v1/internal")
	internal.Use(middleware.InternalAuth(tokens))
	{
		internal.POST("/balances", h.balances.ObserveBalancesHandler())
		internal.POST("/callbacks/:system", h.pipelines.CallbackHandler())
	}

	// Manual overrides
	admin := router.Group("/api/v1/admin")
	admin.Use(middleware.JWTAuth(tokens), middleware.RequirePermission(auth.PermissionOverride))
	{
		admin.POST("/pipelines/:pipeline_id/override", h.overrides.OverridePipelineHandler())
		admin.POST("/rules/:rule_id/override", h.overrides.OverrideRuleHandler())
		admin.GET("/overrides", h.overrides.ListRecordsHandler())
	}
}
