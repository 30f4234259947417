package geo

import (
	"errors"
	"fmt"

	"github.com/golang/geo/s2"

	"guardtrack-engine/internal/models"
)

// EarthRadiusMeters 地球平均半径（米）
const EarthRadiusMeters = 6371000.0

var (
	// ErrInvalidCoordinate 坐标超出有效范围（lat ∈ [-90,90]，lng ∈ [-180,180]）
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidRoute 路线为空，无法计算偏移距离
	ErrInvalidRoute = errors.New("invalid route: empty waypoint list")
)

// Point 经纬度坐标点
type Point struct {
	Lat float64
	Lng float64
}

// Validate 校验坐标范围
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range [-90,90]", ErrInvalidCoordinate, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %f out of range [-180,180]", ErrInvalidCoordinate, p.Lng)
	}
	return nil
}

// HaversineDistance 计算两点间大圆距离（米）
func HaversineDistance(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}

	p1 := s2.LatLngFromDegrees(a.Lat, a.Lng)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lng)
	return p1.Distance(p2).Radians() * EarthRadiusMeters, nil
}

// DistanceToPolyline 计算点到折线（有序航点序列）最近线段的最小距离（米）
// 单航点路线退化为点到点距离；空路线返回 ErrInvalidRoute
func DistanceToPolyline(p Point, waypoints []models.Waypoint) (float64, error) {
	if len(waypoints) == 0 {
		return 0, ErrInvalidRoute
	}
	if err := p.Validate(); err != nil {
		return 0, err
	}
	for _, w := range waypoints {
		if err := (Point{Lat: w.Lat, Lng: w.Lng}).Validate(); err != nil {
			return 0, err
		}
	}

	x := s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lng))

	if len(waypoints) == 1 {
		return HaversineDistance(p, Point{Lat: waypoints[0].Lat, Lng: waypoints[0].Lng})
	}

	minAngle := s2.DistanceFromSegment(x,
		s2.PointFromLatLng(s2.LatLngFromDegrees(waypoints[0].Lat, waypoints[0].Lng)),
		s2.PointFromLatLng(s2.LatLngFromDegrees(waypoints[1].Lat, waypoints[1].Lng)),
	)
	for i := 2; i < len(waypoints); i++ {
		angle := s2.DistanceFromSegment(x,
			s2.PointFromLatLng(s2.LatLngFromDegrees(waypoints[i-1].Lat, waypoints[i-1].Lng)),
			s2.PointFromLatLng(s2.LatLngFromDegrees(waypoints[i].Lat, waypoints[i].Lng)),
		)
		if angle < minAngle {
			minAngle = angle
		}
	}

	return minAngle.Radians() * EarthRadiusMeters, nil
}
