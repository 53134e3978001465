package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/appstage-io/appstage/internal/auth"
	"github.com/appstage-io/appstage/internal/httperr"
)

// Tenant modules import the shared runtime and export a factory as their
// default; both statements are rewritten so the module body can run as a
// plain function with the runtime injected.
var (
	runtimeImportLine = regexp.MustCompile(`(?m)^import +(\* +as +)?serverRuntime .*$`)
	defaultExportStmt = regexp.MustCompile(`export default *(\w+)`)
)

// transformModuleSource rewrites a tenant ES module into a function body
// taking serverRuntime as its argument and returning the module namespace.
func transformModuleSource(source string) string {
	out := runtimeImportLine.ReplaceAllString(source, "// $0")
	return defaultExportStmt.ReplaceAllString(out, "return {default: $1}")
}

// LoadedApp is one instantiated tenant module: a JavaScript runtime holding
// the shared server runtime plus the module's factory. Runtimes are not safe
// for concurrent use, so every call serializes on the app's mutex.
type LoadedApp struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	factory goja.Callable
}

// instantiate evaluates the shared runtime and the tenant module inside a
// fresh JavaScript runtime. The runtime module is CommonJS, so it runs under
// a module/exports shim; the tenant module runs through the source transform.
func instantiate(appName string, appSource, runtimeSource []byte, logger *slog.Logger) (*LoadedApp, error) {
	vm := goja.New()

	console := vm.NewObject()
	logFn := func(level slog.Level) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.Export()
			}
			logger.Log(context.Background(), level, fmt.Sprint(parts...), slog.String("app", appName))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFn(slog.LevelDebug))
	_ = console.Set("warn", logFn(slog.LevelWarn))
	_ = console.Set("error", logFn(slog.LevelError))
	if err := vm.Set("console", console); err != nil {
		return nil, fmt.Errorf("dispatch: set console: %w", err)
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)
	if _, err := vm.RunScript("serverRuntime.cjs", string(runtimeSource)); err != nil {
		return nil, fmt.Errorf("dispatch: evaluate server runtime: %w", err)
	}
	runtimeExports := module.Get("exports")

	wrapped := "(function(serverRuntime){\n" + transformModuleSource(string(appSource)) + "\n})"
	loaderValue, err := vm.RunScript(appName+".mjs", wrapped)
	if err != nil {
		return nil, fmt.Errorf("dispatch: evaluate app module %s: %w", appName, err)
	}
	loader, ok := goja.AssertFunction(loaderValue)
	if !ok {
		return nil, fmt.Errorf("dispatch: app module %s did not produce a loader", appName)
	}
	namespaceValue, err := loader(goja.Undefined(), runtimeExports)
	if err != nil {
		return nil, fmt.Errorf("dispatch: run app module %s: %w", appName, err)
	}
	factoryValue := namespaceValue.ToObject(vm).Get("default")
	factory, ok := goja.AssertFunction(factoryValue)
	if !ok {
		return nil, fmt.Errorf("dispatch: app module %s has no default factory export", appName)
	}

	return &LoadedApp{vm: vm, factory: factory}, nil
}

// Call obtains the per-user function registry from the factory, resolves one
// entry and invokes it with positionally mapped arguments.
func (a *LoadedApp) Call(fnName, method string, params map[string]any, user *auth.User) (any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	registryValue, err := a.factory(goja.Undefined(), a.userValue(user))
	if err != nil {
		return nil, tenantError(err)
	}
	registry := registryValue.ToObject(a.vm)

	entryValue := registry.Get(fnName)
	if entryValue == nil || goja.IsUndefined(entryValue) || goja.IsNull(entryValue) {
		return nil, httperr.NotFound(fnName)
	}
	entry := entryValue.ToObject(a.vm)

	if update := entry.Get("update"); update != nil && update.ToBoolean() && method != http.MethodPost {
		return nil, httperr.MethodNotAllowed()
	}

	fn, ok := goja.AssertFunction(entry.Get("func"))
	if !ok {
		return nil, httperr.NotFound(fnName)
	}

	var argNames []string
	if names := entry.Get("argNames"); names != nil && !goja.IsUndefined(names) && !goja.IsNull(names) {
		if err := a.vm.ExportTo(names, &argNames); err != nil {
			return nil, fmt.Errorf("dispatch: read argNames of %s: %w", fnName, err)
		}
	}
	args := make([]goja.Value, len(argNames))
	for i, name := range argNames {
		value, present := params[name]
		if !present {
			args[i] = goja.Undefined()
			continue
		}
		args[i] = a.argValue(value)
	}

	result, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, tenantError(err)
	}
	return a.settle(result)
}

// userValue shapes the resolved identity the way tenant factories expect, or
// null for anonymous calls.
func (a *LoadedApp) userValue(user *auth.User) goja.Value {
	if user == nil {
		return goja.Null()
	}
	return a.vm.ToValue(map[string]any{
		"uid":    user.ID,
		"email":  user.Email,
		"name":   user.Name,
		"claims": user.Claims,
	})
}

// argValue converts one coerced parameter; timestamps become JS Dates so
// tenant date arithmetic works.
func (a *LoadedApp) argValue(value any) goja.Value {
	if ts, ok := value.(time.Time); ok {
		if date, err := a.vm.New(a.vm.Get("Date"), a.vm.ToValue(ts.UnixMilli())); err == nil {
			return date
		}
	}
	return a.vm.ToValue(value)
}

// settle unwraps promise results from async tenant functions. The runtime has
// no event loop, so a promise still pending after the call returns means the
// function awaited something this engine cannot provide.
func (a *LoadedApp) settle(result goja.Value) (any, error) {
	if promise, ok := result.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result().Export(), nil
		case goja.PromiseStateRejected:
			return nil, tenantThrown(promise.Result())
		default:
			return nil, &httperr.Error{Status: http.StatusInternalServerError, Message: "asynchronous result did not settle"}
		}
	}
	return result.Export(), nil
}

// tenantError maps a JavaScript failure to the error envelope, honoring a
// thrown {status, message} shape.
func tenantError(err error) error {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return tenantThrown(exception.Value())
	}
	return &httperr.Error{Status: http.StatusInternalServerError, Message: err.Error()}
}

func tenantThrown(value goja.Value) error {
	status := http.StatusInternalServerError
	message := value.String()
	if obj, ok := value.(*goja.Object); ok {
		if s := obj.Get("status"); s != nil && !goja.IsUndefined(s) {
			status = int(s.ToInteger())
		}
		if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
			message = m.String()
		}
	}
	return &httperr.Error{Status: status, Message: message}
}
