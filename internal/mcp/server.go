package mcp

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/paularlott/mcp"

	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
	"github.com/martinsuchenak/netprov/internal/provision"
)

const serverVersion = "1.0.0"

// Server exposes provisioning operations as MCP tools
type Server struct {
	mcpServer   *mcp.Server
	svc         *provision.Service
	bearerToken string
}

// NewServer creates a new MCP server over the provisioning façade
func NewServer(svc *provision.Service, bearerToken string) *Server {
	s := &Server{
		mcpServer:   mcp.NewServer("netprov", serverVersion),
		svc:         svc,
		bearerToken: bearerToken,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.RegisterTool(
		mcp.NewTool("request_activation", "Run a provisioning saga for a customer service: new, upgrade, downgrade, suspend or resume",
			mcp.String("service_id", "Customer service ID", mcp.Required()),
			mcp.String("type", "Activation type (new, upgrade, downgrade, suspend, resume)", mcp.Required()),
			mcp.String("customer_id", "Customer ID (required for new)"),
			mcp.String("plan_id", "Target plan ID (required for new, upgrade and downgrade)"),
			mcp.String("location", "Preferred device location"),
			mcp.String("device_id", "Preferred device ID"),
		),
		s.handleRequestActivation,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("get_activation", "Get an activation with its step log",
			mcp.String("id", "Activation ID", mcp.Required()),
		),
		s.handleGetActivation,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("service_status", "Get a customer service with its device, address and sync state",
			mcp.String("service_id", "Customer service ID", mcp.Required()),
		),
		s.handleServiceStatus,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("release_customer", "Tear down every live service of a customer and return their addresses to the pool",
			mcp.String("customer_id", "Customer ID", mcp.Required()),
		),
		s.handleReleaseCustomer,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("pool_utilization", "Show address usage per subnet of a device",
			mcp.String("device_id", "Device ID or name", mcp.Required()),
		),
		s.handlePoolUtilization,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("retry_queue", "List durable retry operations",
			mcp.String("status", "Filter by status (pending, succeeded, failed)"),
			mcp.String("limit", "Maximum number of operations (default 50)"),
		),
		s.handleRetryQueue,
	)

	s.mcpServer.RegisterTool(
		mcp.NewTool("device_list", "List registered network devices",
			mcp.String("location", "Filter by location"),
			mcp.String("status", "Filter by status (active, inactive, maintenance)"),
		),
		s.handleDeviceList,
	)
}

// HandleRequest handles MCP HTTP requests with optional bearer token authentication
func (s *Server) HandleRequest(w http.ResponseWriter, r *http.Request) {
	log.Debug("MCP request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

	if s.bearerToken != "" {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			log.Warn("MCP request missing Authorization header", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Missing Authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			log.Warn("MCP request invalid Authorization format", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid Authorization format", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			log.Warn("MCP request invalid token", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized: Invalid token", http.StatusUnauthorized)
			return
		}
	}

	s.mcpServer.HandleRequest(w, r)
}

func (s *Server) handleRequestActivation(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	serviceID, err := req.String("service_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("service_id is required: " + err.Error())
	}
	typ, err := req.String("type")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("type is required: " + err.Error())
	}

	log.Debug("MCP activation request", "service_id", serviceID, "type", typ)
	res := s.svc.RequestActivation(ctx, provision.Request{
		ServiceID:  serviceID,
		CustomerID: req.StringOr("customer_id", ""),
		PlanID:     req.StringOr("plan_id", ""),
		Type:       model.ActivationType(typ),
		Overrides: model.Overrides{
			Location: req.StringOr("location", ""),
			DeviceID: req.StringOr("device_id", ""),
		},
	})

	if res.Code == provision.CodeInvalidRequest {
		return nil, mcp.NewToolErrorInvalidParams(res.Error)
	}
	if !res.Success {
		log.Warn("MCP activation failed", "service_id", serviceID, "code", res.Code, "error", res.Error)
		return mcp.NewToolResponseText(fmt.Sprintf("Activation failed (%s): %s\nActivation ID: %s", res.Code, res.Error, res.ActivationID)), nil
	}

	log.Info("MCP activation completed", "service_id", serviceID, "activation_id", res.ActivationID)
	return mcp.NewToolResponseText(fmt.Sprintf("Activation %s completed for service %s", res.ActivationID, serviceID)), nil
}

func (s *Server) handleGetActivation(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("id is required: " + err.Error())
	}

	act, err := s.svc.Activation(ctx, id)
	if err != nil {
		log.Error("MCP get activation failed", "error", err, "id", id)
		return nil, mcp.NewToolErrorInternal("activation not found: " + err.Error())
	}
	return mcp.NewToolResponseText(formatActivation(act)), nil
}

func (s *Server) handleServiceStatus(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	id, err := req.String("service_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("service_id is required: " + err.Error())
	}

	st, err := s.svc.ServiceStatus(ctx, id)
	if err != nil {
		log.Error("MCP service status failed", "error", err, "service_id", id)
		return nil, mcp.NewToolErrorInternal("service not found: " + err.Error())
	}
	return mcp.NewToolResponseText(formatServiceState(st)), nil
}

func (s *Server) handleReleaseCustomer(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	customerID, err := req.String("customer_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("customer_id is required: " + err.Error())
	}

	res, err := s.svc.ReleaseAllForCustomer(ctx, customerID)
	if err != nil {
		log.Error("MCP release customer failed", "error", err, "customer_id", customerID)
		return nil, mcp.NewToolErrorInternal("release failed: " + err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Released %d service(s) of customer %s\n", res.ReleasedCount, customerID)
	for _, e := range res.Errors {
		fmt.Fprintf(&b, "  error: %s\n", e)
	}
	log.Info("MCP customer released", "customer_id", customerID, "released", res.ReleasedCount)
	return mcp.NewToolResponseText(b.String()), nil
}

func (s *Server) handlePoolUtilization(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	deviceID, err := req.String("device_id")
	if err != nil {
		return nil, mcp.NewToolErrorInvalidParams("device_id is required: " + err.Error())
	}

	device, err := s.svc.Device(ctx, deviceID)
	if err != nil {
		return nil, mcp.NewToolErrorInternal("device not found: " + err.Error())
	}
	usage, err := s.svc.Utilization(ctx, device.ID)
	if err != nil {
		log.Error("MCP pool utilization failed", "error", err, "device_id", device.ID)
		return nil, mcp.NewToolErrorInternal("failed to read utilization: " + err.Error())
	}
	if len(usage) == 0 {
		return mcp.NewToolResponseText(fmt.Sprintf("Device %s has no subnets", device.Name)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Device %s (%s), %d/%s subscribers\n", device.Name, device.Status, device.ActiveSubscribers, maxLabel(device.MaxSubscribers))
	for _, u := range usage {
		fmt.Fprintf(&b, "  %s: %d assigned, %d available, %d reserved, %d blocked of %d\n",
			u.CIDR, u.Assigned, u.Available, u.Reserved, u.Blocked, u.Total)
	}
	return mcp.NewToolResponseText(b.String()), nil
}

func (s *Server) handleRetryQueue(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	status := model.RetryStatus(req.StringOr("status", ""))
	limit := 50
	if v := req.StringOr("limit", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, mcp.NewToolErrorInvalidParams("limit must be a positive number")
		}
		limit = n
	}

	ops, err := s.svc.RetryOperations(ctx, status, limit)
	if err != nil {
		log.Error("MCP retry queue failed", "error", err)
		return nil, mcp.NewToolErrorInternal("failed to list retry queue: " + err.Error())
	}
	if len(ops) == 0 {
		return mcp.NewToolResponseText("Retry queue is empty"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d operation(s):\n\n", len(ops))
	for _, op := range ops {
		fmt.Fprintf(&b, "- %s %s on %s [%s] attempts %d/%d, next %s\n",
			op.ID, op.Verb, op.DeviceID, op.Status, op.Attempts, op.MaxAttempts, op.NextAttemptAt.Format("2006-01-02 15:04:05"))
		if op.LastError != "" {
			fmt.Fprintf(&b, "  last error: %s\n", op.LastError)
		}
	}
	return mcp.NewToolResponseText(b.String()), nil
}

func (s *Server) handleDeviceList(ctx context.Context, req *mcp.ToolRequest) (*mcp.ToolResponse, error) {
	devices, err := s.svc.Devices(ctx, &model.DeviceFilter{
		Location: req.StringOr("location", ""),
		Status:   model.DeviceStatus(req.StringOr("status", "")),
	})
	if err != nil {
		log.Error("MCP device list failed", "error", err)
		return nil, mcp.NewToolErrorInternal("failed to list devices: " + err.Error())
	}
	if len(devices) == 0 {
		return mcp.NewToolResponseText("No devices found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d device(s):\n\n", len(devices))
	for _, d := range devices {
		fmt.Fprintf(&b, "- %s (ID: %s) %s@%s, %s, location %s, %d/%s subscribers\n",
			d.Name, d.ID, d.Vendor, d.Host, d.Status, d.Location, d.ActiveSubscribers, maxLabel(d.MaxSubscribers))
	}
	return mcp.NewToolResponseText(b.String()), nil
}

func maxLabel(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return strconv.Itoa(n)
}

func formatActivation(act *model.Activation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Activation: %s\n", act.ID)
	fmt.Fprintf(&b, "Service: %s (customer %s)\n", act.ServiceID, act.CustomerID)
	fmt.Fprintf(&b, "Type: %s\n", act.Type)
	fmt.Fprintf(&b, "Status: %s\n", act.Status)
	if act.PlanID != "" {
		fmt.Fprintf(&b, "Plan: %s\n", act.PlanID)
	}
	if act.FailureCode != "" {
		fmt.Fprintf(&b, "Failed at %s (%s): %s\n", act.FailedStep, act.FailureCode, act.FailureReason)
	}
	if len(act.Steps) > 0 {
		b.WriteString("Steps:\n")
		for _, st := range act.Steps {
			line := fmt.Sprintf("  - %s %s %s (%dms)", st.Phase, st.Step, st.Status, st.DurationMS)
			if st.Error != "" {
				line += ": " + st.Error
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}

func formatServiceState(st *provision.ServiceState) string {
	var b strings.Builder
	svc := st.Service
	fmt.Fprintf(&b, "Service: %s\n", svc.ID)
	fmt.Fprintf(&b, "Customer: %s\n", svc.CustomerID)
	fmt.Fprintf(&b, "Status: %s\n", svc.Status)
	fmt.Fprintf(&b, "Plan: %s\n", svc.PlanID)
	if st.Device != nil {
		fmt.Fprintf(&b, "Device: %s (%s)\n", st.Device.Name, st.Device.Status)
	}
	if st.Address != nil {
		fmt.Fprintf(&b, "Address: %s\n", st.Address.IP)
	}
	for _, sync := range st.Sync {
		line := fmt.Sprintf("Sync: %s after %s", sync.State, sync.LastOperation)
		if sync.LastError != "" {
			line += ": " + sync.LastError
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

// GetHTTPHandler returns the HTTP handler for the MCP server
func (s *Server) GetHTTPHandler() http.HandlerFunc {
	return s.HandleRequest
}

// LogStartup logs MCP server startup information
func (s *Server) LogStartup() {
	log.Info("MCP Server initialized", "version", serverVersion)
	if s.bearerToken != "" {
		log.Info("MCP authentication enabled", "type", "Bearer token")
	} else {
		log.Info("MCP authentication disabled")
	}
	tools := s.mcpServer.ListTools()
	log.Info("MCP tools registered", "count", len(tools))
	for _, tool := range tools {
		log.Debug("MCP tool registered", "name", tool.Name, "description", tool.Description)
	}
}
