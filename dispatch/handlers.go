package dispatch

import (
	"context"
	"encoding/json"

	"github.com/legionhq/legion-agent/access"
	"github.com/legionhq/legion-agent/fsops"
	"github.com/legionhq/legion-agent/protocol"
)

// accessDeniedMessage is the exact error text for allow-list denials.
const accessDeniedMessage = "Access denied: path not in whitelist"

// NewDefaultRegistry returns a registry with the standard filesystem and
// project operations bound to the given guard and filesystem service.
func NewDefaultRegistry(guard *access.Guard, files *fsops.Service) *Registry {
	r := NewRegistry()
	r.Register(protocol.OpFSList, listHandler(guard, files))
	r.Register(protocol.OpFSRead, readHandler(guard, files))
	r.Register(protocol.OpProjectBind, bindHandler(guard, files))
	return r
}

func listHandler(guard *access.Guard, files *fsops.Service) Handler {
	return func(ctx context.Context, req protocol.Request, cc ConnContext) protocol.Response {
		var params protocol.ListParams
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return protocol.Error(req.ID, "invalid payload: "+err.Error())
		}

		path := params.Path
		if path == "" {
			path = cc.WorkDir
		}
		depth := params.Depth
		if depth < 1 {
			depth = 1
		}

		if !guard.Allowed(path, cc.Credentials.AllowedRoots()) {
			return protocol.Error(req.ID, accessDeniedMessage)
		}

		entries, err := files.List(path, depth)
		if err != nil {
			return protocol.Error(req.ID, err.Error())
		}
		return protocol.OK(req.ID, entries)
	}
}

func readHandler(guard *access.Guard, files *fsops.Service) Handler {
	return func(ctx context.Context, req protocol.Request, cc ConnContext) protocol.Response {
		var params protocol.ReadParams
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return protocol.Error(req.ID, "invalid payload: "+err.Error())
		}
		if params.Path == "" {
			return protocol.Error(req.ID, "path is required")
		}

		maxSize := params.MaxSize
		if maxSize <= 0 {
			maxSize = cc.ReadMaxSize
		}

		if !guard.Allowed(params.Path, cc.Credentials.AllowedRoots()) {
			return protocol.Error(req.ID, accessDeniedMessage)
		}

		result, err := files.Read(params.Path, maxSize)
		if err != nil {
			return protocol.Error(req.ID, err.Error())
		}
		return protocol.OK(req.ID, result)
	}
}

func bindHandler(guard *access.Guard, files *fsops.Service) Handler {
	return func(ctx context.Context, req protocol.Request, cc ConnContext) protocol.Response {
		var params protocol.BindParams
		if err := json.Unmarshal(req.Payload, &params); err != nil {
			return protocol.Error(req.ID, "invalid payload: "+err.Error())
		}
		if params.Path == "" {
			return protocol.Error(req.ID, "path is required")
		}
		if params.ProjectID == "" {
			return protocol.Error(req.ID, "projectId is required")
		}

		if !guard.Allowed(params.Path, cc.Credentials.AllowedRoots()) {
			return protocol.Error(req.ID, accessDeniedMessage)
		}

		configPath, err := files.BindProject(params.Path, params.ProjectID, params.ProjectName)
		if err != nil {
			return protocol.Error(req.ID, err.Error())
		}
		return protocol.OK(req.ID, protocol.BindResult{ConfigPath: configPath})
	}
}
