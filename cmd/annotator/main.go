package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/annotator/internal/annotation"
	"chronicle/annotator/internal/annsync"
	"chronicle/annotator/internal/config"
	"chronicle/annotator/internal/crossframe"
	"chronicle/annotator/internal/event"
	"chronicle/annotator/internal/export"
	"chronicle/annotator/internal/guest"
	"chronicle/annotator/internal/integration"
	"chronicle/annotator/internal/source"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	target := cfg.DocumentURL
	if strings.TrimSpace(cfg.PDFPath) != "" {
		target = cfg.PDFPath
	}
	if strings.TrimSpace(target) == "" {
		log.Fatalf("no document: set ANNOTATOR_DOCUMENT_URL or ANNOTATOR_PDF_PATH")
	}
	if u, err := url.Parse(cfg.DocumentURL); err == nil && u.RawQuery != "" {
		host, err := config.FromHostConfig(u.RawQuery)
		if err != nil {
			log.Printf("WARNING: ignoring host config: %v", err)
		} else {
			cfg.ApplyHostConfig(host)
		}
	}

	loader, err := source.NewLoader(cfg)
	if err != nil {
		log.Fatalf("document loader setup failed: %v", err)
	}
	loaded, err := loader.Load(ctx, target)
	if err != nil {
		log.Fatalf("loading %s failed: %v", target, err)
	}
	cfg.DocumentURL = loaded.URL

	var viewer *integration.HTMLViewer
	opts := guest.Options{Config: cfg, Document: loaded.Document}
	if loaded.PDF != nil {
		cfg.DocumentType = config.DocumentPDF
		opts.Config = cfg
		viewer = integration.NewHTMLViewer(loaded.Document)
		viewer.Open(*loaded.PDF)
		opts.Viewer = viewer
		log.Printf("Opened PDF %s (%d pages)", loaded.PDF.Fingerprint, loaded.PDF.PageCount)
	}

	var tagger annsync.Tagger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for annotation tags")
		redisTagger, err := annsync.NewRedisTagger(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisTagger.Close()
		tagger = redisTagger
	}

	bus := event.NewBus(nil)
	annotations, err := annsync.NewSync(bus, tagger, nil)
	if err != nil {
		log.Fatalf("annotation sync setup failed: %v", err)
	}
	defer annotations.Destroy()

	bridge := crossframe.NewBridge(nil)
	opts.Bus = bus
	opts.Caller = bridge
	opts.Receiver = bridge
	g, err := guest.New(opts)
	if err != nil {
		log.Fatalf("guest setup failed: %v", err)
	}
	defer g.Destroy()
	registerHandlers(bridge, annotations, viewer)

	if cfg.AnnotationsPath != "" {
		anns, err := readAnnotations(cfg.AnnotationsPath)
		if err != nil {
			log.Fatalf("reading annotations failed: %v", err)
		}
		load := func() {
			loadedAnns := annotations.Load(ctx, anns)
			log.Printf("Anchored %d annotations, %d orphaned", len(loadedAnns), countOrphans(loadedAnns))
		}
		// PDF page text arrives from the host over the bridge, so anchoring
		// has to wait for the server.
		if viewer != nil && cfg.Addr != "" && cfg.OutputPath == "" {
			go load()
		} else {
			load()
		}
	}

	if cfg.OutputPath != "" {
		title := ""
		if info, err := g.DocumentInfo(ctx); err == nil {
			title = info.Metadata.Title
		}
		exporter := export.NewService(cfg.RenderTimeout)
		if err := writeExport(ctx, exporter, cfg.OutputPath, export.Request{
			Title:         title,
			Format:        export.FormatFor(cfg.OutputPath),
			Document:      loaded.Document,
			Annotations:   annotations.Annotations(),
			IncludeReport: true,
		}); err != nil {
			log.Fatalf("writing output failed: %v", err)
		}
	}

	if cfg.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/bridge", bridge.Handler())
	mux.HandleFunc("/document", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := loaded.Document.Render(w); err != nil {
			log.Printf("render document: %v", err)
		}
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Annotator listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// registerHandlers serves the sidebar calls that manage the annotation list
// and, for PDFs, the text layers the host renders.
func registerHandlers(recv crossframe.Receiver, annotations *annsync.Sync, viewer *integration.HTMLViewer) {
	recv.On(crossframe.MethodLoadAnnotations, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var anns []*annotation.Annotation
		if err := crossframe.DecodeParams(params, &anns); err != nil {
			return nil, err
		}
		return annotation.Tags(annotations.Load(ctx, anns)), nil
	})
	recv.On(crossframe.MethodDeleteAnnotation, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var tag string
		if err := crossframe.DecodeParams(params, &tag); err != nil {
			return nil, err
		}
		return nil, annotations.Delete(ctx, tag)
	})
	if viewer == nil {
		return
	}
	recv.On(crossframe.MethodRenderTextLayer, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var page int
		var spans []integration.TextSpan
		if err := crossframe.DecodeParams(params, &page, &spans); err != nil {
			return nil, err
		}
		if err := checkPage(viewer, page); err != nil {
			return nil, err
		}
		return nil, viewer.RenderTextLayer(page-1, spans)
	})
	recv.On(crossframe.MethodLoadPageText, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var page int
		var text string
		if err := crossframe.DecodeParams(params, &page, &text); err != nil {
			return nil, err
		}
		if err := checkPage(viewer, page); err != nil {
			return nil, err
		}
		viewer.LoadPageText(page-1, text)
		return nil, nil
	})
	recv.On(crossframe.MethodReleasePage, func(ctx context.Context, params []json.RawMessage) (any, error) {
		var page int
		if err := crossframe.DecodeParams(params, &page); err != nil {
			return nil, err
		}
		if err := checkPage(viewer, page); err != nil {
			return nil, err
		}
		viewer.ReleasePage(page - 1)
		return nil, nil
	})
}

// checkPage rejects one-based page numbers the viewer does not have.
func checkPage(viewer *integration.HTMLViewer, page int) error {
	if page < 1 || page > viewer.PageCount() {
		return &crossframe.Error{Code: crossframe.CodeBadParams, Message: fmt.Sprintf("no page %d", page)}
	}
	return nil
}

func readAnnotations(path string) ([]*annotation.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var anns []*annotation.Annotation
	if err := json.Unmarshal(data, &anns); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return anns, nil
}

func countOrphans(anns []*annotation.Annotation) int {
	n := 0
	for _, ann := range anns {
		if ann.Orphan {
			n++
		}
	}
	return n
}

func writeExport(ctx context.Context, exporter *export.Service, path string, req export.Request) error {
	res, err := exporter.Export(ctx, req)
	if err != nil {
		return err
	}
	return os.WriteFile(path, res.Data, 0o644)
}
