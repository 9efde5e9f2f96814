package imaging

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dcplant/dcplant/internal/domain/cases"
	"github.com/dcplant/dcplant/internal/platform/auth"
	"github.com/dcplant/dcplant/internal/platform/blobstore"
	"github.com/dcplant/dcplant/internal/platform/tasks"
)

type Handler struct {
	svc     *Service
	uploads *Uploads
}

func NewHandler(svc *Service, uploads *Uploads) *Handler {
	return &Handler{svc: svc, uploads: uploads}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/cases/:id/images", h.ListBatches)
	api.POST("/cases/:id/images", h.Upload)
	api.POST("/cases/:id/images/async", h.UploadBase64)
	api.POST("/cases/:id/images/s3", h.UploadS3)
	api.PATCH("/images/batches/:id", h.UpdateBatch)
	api.DELETE("/images/batches/:id", h.DeleteBatch)
	api.GET("/images/items/:id/url", h.ItemURL)
	api.GET("/images/items/:id/file", h.ItemFile)
	api.GET("/images/items/:id/preview", h.Preview)

	api.GET("/cases/:id/dicom-series", h.GetDicomSeries)
	api.DELETE("/cases/:id/dicom-series", h.DeleteDicomSeries)
	api.POST("/cases/:id/dicom-series/reindex", h.ReindexSeries)
	api.GET("/cases/:id/download", h.Download)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, cases.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case errors.Is(err, ErrBatchNotFound), errors.Is(err, ErrItemNotFound),
		errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNoImages):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, cases.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrExportUnreadable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrQueueClosed):
		return tasks.EnqueueError(err)
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListBatches(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	batches, err := h.svc.ListBatches(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, batches)
}

// Upload stores the multipart "images" files as one batch. A batch in which
// no file could be stored answers 400 with the per-file errors.
func (h *Handler) Upload(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form")
	}
	headers := form.File["images"]
	files := make([]FileBlob, len(headers))
	for i, fh := range headers {
		files[i] = multipartBlob(fh)
	}
	res, err := h.svc.Upload(c.Request().Context(), p, id, files, IngestOptions{
		TitlePrefix: c.FormValue("title_prefix"),
		Description: c.FormValue("description"),
		ImageType:   ImageType(c.FormValue("image_type")),
	})
	if errors.Is(err, ErrNothingIngested) {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"message": err.Error(),
			"errors":  res.Errors,
		})
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func multipartBlob(fh *multipart.FileHeader) FileBlob {
	return FileBlob{
		Name: fh.Filename,
		Size: fh.Size,
		Open: func() (io.ReadCloser, error) { return fh.Open() },
	}
}

type asyncOptions struct {
	TitlePrefix string    `json:"title_prefix"`
	Description string    `json:"description"`
	ImageType   ImageType `json:"image_type"`
}

func (o asyncOptions) ingest() IngestOptions {
	return IngestOptions{TitlePrefix: o.TitlePrefix, Description: o.Description, ImageType: o.ImageType}
}

func (h *Handler) UploadBase64(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req struct {
		asyncOptions
		Files []EncodedFile `json:"files"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	taskID, err := h.uploads.StartBase64(c.Request().Context(), p, id, req.Files, req.ingest())
	if err != nil {
		return httpError(err)
	}
	return tasks.Accepted(c, taskID)
}

func (h *Handler) UploadS3(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var req struct {
		asyncOptions
		Keys []string `json:"s3_keys"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	taskID, err := h.uploads.StartS3(c.Request().Context(), p, id, req.Keys, req.ingest())
	if err != nil {
		return httpError(err)
	}
	return tasks.Accepted(c, taskID)
}

func (h *Handler) UpdateBatch(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var in BatchUpdate
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	b, err := h.svc.UpdateBatch(c.Request().Context(), p, id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DeleteBatch(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteBatch(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ItemURL(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	url, err := h.svc.ItemURL(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (h *Handler) ItemFile(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	it, rc, err := h.svc.OpenItem(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	ct := mime.TypeByExtension(path.Ext(it.OriginalName))
	switch {
	case it.IsDicom:
		ct = "application/dicom"
	case ct == "":
		ct = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "inline; filename="+strconv.Quote(it.OriginalName))
	return c.Stream(http.StatusOK, ct, rc)
}

// Preview answers a JPEG of a DICOM item's first frame. Undecodable files
// answer 422 with the decoder's reason.
func (h *Handler) Preview(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	img, err := h.svc.Preview(c.Request().Context(), p, id)
	if errors.Is(err, ErrPreviewUnavailable) {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"message": ErrPreviewUnavailable.Error(),
			"detail":  strings.TrimPrefix(err.Error(), ErrPreviewUnavailable.Error()+": "),
		})
	}
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=300")
	return c.Blob(http.StatusOK, "image/jpeg", img)
}

func (h *Handler) GetDicomSeries(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.DicomSeries(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"count": len(items),
		"items": items,
	})
}

func (h *Handler) DeleteDicomSeries(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	dicomCount, fileCount, err := h.svc.DeleteDicomSeries(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{
		"dicom_count": dicomCount,
		"file_count":  fileCount,
	})
}

func (h *Handler) ReindexSeries(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	moved, err := h.svc.ReindexSeries(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"reordered": moved})
}

// Download streams the case's images as a ZIP archive. Every failure that can
// be detected up front is answered as JSON before the stream starts.
func (h *Handler) Download(c echo.Context) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	scope := Scope(c.QueryParam("scope"))
	if scope == "" {
		scope = ScopeAll
	}
	ctx := c.Request().Context()
	plan, err := h.svc.PlanExport(ctx, p, id, scope)
	if err != nil {
		return httpError(err)
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/zip")
	res.Header().Set(echo.HeaderContentDisposition, "attachment; filename="+strconv.Quote(plan.Filename))
	if _, err := h.svc.WriteExport(ctx, p, plan, res); err != nil {
		if !res.Committed {
			res.Header().Del(echo.HeaderContentDisposition)
			res.Header().Del(echo.HeaderContentType)
			return httpError(err)
		}
		// The client sees a truncated archive.
		h.svc.logger.Error().Err(err).Str("case_id", id.String()).Msg("export aborted")
		return nil
	}
	return nil
}
