package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/shule/core/attendance"
	"github.com/trezcool/shule/core/grade"
	"github.com/trezcool/shule/core/student"
	"github.com/trezcool/shule/core/user"
)

var staffRoles = []string{user.RoleAdmin, user.RoleTeacher, user.RoleAccountant}

type schoolApi struct {
	students   student.Service
	attendance attendance.Service
	grades     grade.Service
}

func registerSchoolAPI(g *echo.Group, students student.Service, att attendance.Service, grades grade.Service) {
	api := schoolApi{students: students, attendance: att, grades: grades}

	sg := g.Group("/students", roleMiddleware(staffRoles...))
	sg.GET("", api.listStudents)
	sg.POST("", api.addStudent, adminMiddleware())
	sg.GET("/:id", api.retrieveStudent)

	g.POST("/admissions", api.processAdmission, adminMiddleware())

	ag := g.Group("/attendance", roleMiddleware(user.RoleAdmin, user.RoleTeacher))
	ag.GET("", api.queryAttendance)
	ag.POST("", api.markAttendance)
	ag.POST("/class", api.recordClassAttendance)
	ag.GET("/stats", api.attendanceStats)

	gg := g.Group("/grades", roleMiddleware(user.RoleAdmin, user.RoleTeacher))
	gg.GET("", api.queryGrades)
	gg.POST("", api.enterGrade)
}

func (api *schoolApi) addStudent(ctx echo.Context) error {
	var data student.NewStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}
	s, err := api.students.Add(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "adding student")
	}
	return ctx.JSON(http.StatusCreated, s)
}

func (api *schoolApi) processAdmission(ctx echo.Context) error {
	var data student.NewAdmission
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewAdmission")
	}
	adm, err := api.students.ProcessAdmission(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "processing admission")
	}
	return ctx.JSON(http.StatusCreated, adm)
}

func (api *schoolApi) listStudents(ctx echo.Context) error {
	var filter student.QueryFilter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []student.Student{})
	}
	students, err := api.students.List(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "listing students")
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *schoolApi) retrieveStudent(ctx echo.Context) error {
	s, err := api.students.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	return ctx.JSON(http.StatusOK, s)
}

func (api *schoolApi) markAttendance(ctx echo.Context) error {
	var data attendance.MarkAttendance
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to MarkAttendance")
	}
	rec, err := api.attendance.Mark(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "marking attendance")
	}
	return ctx.JSON(http.StatusCreated, rec)
}

func (api *schoolApi) recordClassAttendance(ctx echo.Context) error {
	var data attendance.ClassAttendance
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ClassAttendance")
	}
	recs, err := api.attendance.RecordClass(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "recording class attendance")
	}
	return ctx.JSON(http.StatusCreated, recs)
}

func (api *schoolApi) queryAttendance(ctx echo.Context) error {
	var filter attendance.Filter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []attendance.Record{})
	}
	recs, err := api.attendance.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying attendance")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *schoolApi) attendanceStats(ctx echo.Context) error {
	var filter attendance.Filter
	if err := ctx.Bind(&filter); err != nil {
		return errors.Wrap(err, "binding to attendance.Filter")
	}
	stats, err := api.attendance.Stats(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "computing attendance stats")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (api *schoolApi) enterGrade(ctx echo.Context) error {
	var data grade.NewGrade
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewGrade")
	}
	g, err := api.grades.Enter(ctx.Request().Context(), getContextSession(ctx), data)
	if err != nil {
		return errors.Wrap(err, "entering grade")
	}
	return ctx.JSON(http.StatusCreated, g)
}

func (api *schoolApi) queryGrades(ctx echo.Context) error {
	var filter grade.Filter
	if err := ctx.Bind(&filter); err != nil {
		return ctx.JSON(http.StatusOK, []grade.Grade{})
	}
	grades, err := api.grades.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying grades")
	}
	return ctx.JSON(http.StatusOK, grades)
}
